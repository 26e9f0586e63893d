// Package cli is the securepeer command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"securepeer/config"
	"securepeer/discovery"
	"securepeer/keystore"
	"securepeer/logging"
	"securepeer/network"
	"securepeer/notify"
	"securepeer/relay"
	"securepeer/session"
	"securepeer/storage"
)

// app carries flag values and the lazily opened client stack for one invocation.
type app struct {
	dataDir  string
	relayURL string
	logLevel string

	cfg     *config.ClientConfig
	cfgPath string
	logger  *logrus.Logger

	store    *storage.Store
	keys     *keystore.KeyStore
	client   *relay.Client
	queue    *notify.Queue
	session  *session.Session
	progress *progressTracker
}

// Execute runs the command tree until it returns or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	defer a.close()
	return newRootCmd(a).ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "securepeer",
		Short:         "End-to-end encrypted peer-to-peer file sharing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "data directory (default per-OS app dir or $SECUREPEER_DATA_DIR)")
	root.PersistentFlags().StringVar(&a.relayURL, "relay", "", `relay base URL, or "mdns" to find one on the LAN`)
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		relayCmd(a),
		registerCmd(a), loginCmd(a), logoutCmd(a), whoamiCmd(a), exportKeyCmd(a),
		searchCmd(a), connectCmd(a), requestsCmd(a), acceptCmd(a), rejectCmd(a),
		connectionsCmd(a), removeCmd(a),
		sendCmd(a), transfersCmd(a), downloadCmd(a), cancelCmd(a),
		runCmd(a), housekeepCmd(a), eventsCmd(a),
	)
	return root
}

func (a *app) loadConfig(logOut io.Writer) error {
	var (
		cfg     *config.ClientConfig
		cfgPath string
		err     error
	)
	if a.dataDir != "" {
		cfg, cfgPath, err = config.LoadOrCreateIn(a.dataDir)
	} else {
		cfg, cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	logger, err := logging.New(logOut, level)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.cfgPath = cfgPath
	a.logger = logger
	a.progress = newProgressTracker(logOut)
	return nil
}

// openKeys opens the local database and keystore. Commands that never touch the
// relay stop here.
func (a *app) openKeys() (*keystore.KeyStore, error) {
	if a.keys != nil {
		return a.keys, nil
	}

	store, err := storage.Open(filepath.Dir(a.cfgPath))
	if err != nil {
		return nil, err
	}
	keys, err := keystore.New(keystore.Options{
		Store:   store,
		KeysDir: a.cfg.KeysDir,
		Logger:  a.logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a.store = store
	a.keys = keys
	return keys, nil
}

// openSession builds the relay client and the session on top of the keystore.
// The session is returned unopened.
func (a *app) openSession(ctx context.Context) (*session.Session, error) {
	if a.session != nil {
		return a.session, nil
	}
	keys, err := a.openKeys()
	if err != nil {
		return nil, err
	}

	baseURL, err := a.resolveRelay(ctx)
	if err != nil {
		return nil, err
	}
	client, err := relay.NewClient(relay.ClientOptions{
		BaseURL:    baseURL,
		MaxRetries: a.cfg.RelayRetries,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}

	queue := notify.New(notify.Options{Logger: a.logger})
	sess, err := session.New(session.Options{
		Config:     *a.cfg,
		Store:      a.store,
		Keys:       keys,
		Relay:      client,
		Dialer:     network.NewWebRTCDialer(network.WebRTCOptions{ICEServers: a.cfg.ICEServers, Logger: a.logger}),
		Notifier:   queue,
		Logger:     a.logger,
		OnProgress: a.progress.update,
	})
	if err != nil {
		return nil, err
	}

	a.client = client
	a.queue = queue
	a.session = sess
	return sess, nil
}

// openIdentity opens the session for the active identity.
func (a *app) openIdentity(ctx context.Context) (*session.Session, error) {
	sess, err := a.openSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := sess.Open(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// sync polls the relay once. Listing commands still work from local state when the
// relay is down.
func (a *app) sync(ctx context.Context, sess *session.Session) {
	if err := sess.Sync(ctx); err != nil {
		a.logger.WithError(err).Warn("relay sync failed, showing local state")
	}
}

func (a *app) resolveRelay(ctx context.Context) (string, error) {
	target := strings.TrimSpace(a.relayURL)
	if target == "" {
		target = strings.TrimSpace(a.cfg.RelayURL)
	}
	if target != "" && target != config.RelayDiscover {
		return target, nil
	}

	url, err := discovery.FindRelay(ctx, discovery.Config{})
	if err != nil {
		if errors.Is(err, discovery.ErrNoRelay) {
			return "", fmt.Errorf("%w; pass --relay or set relay_url in %s", err, a.cfgPath)
		}
		return "", err
	}
	a.logger.WithField("relay", url).Info("relay found on local network")
	return url, nil
}

func (a *app) close() {
	if a.session != nil {
		a.session.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && a.logger != nil {
			a.logger.WithError(err).Warn("database close failed")
		}
	}
}
