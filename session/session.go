// Package session binds the active identity to its connection manager, transfer
// manager and relay poller, and tears all three down on logout or identity switch.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"securepeer/config"
	"securepeer/connection"
	"securepeer/keystore"
	"securepeer/logging"
	"securepeer/models"
	"securepeer/network"
	"securepeer/notify"
	"securepeer/relay"
	"securepeer/storage"
	"securepeer/transfer"
)

// Options configures a Session. Store, Keys, Relay and Dialer are required.
type Options struct {
	Config     config.ClientConfig
	Store      *storage.Store
	Keys       *keystore.KeyStore
	Relay      *relay.Client
	Dialer     network.Dialer
	Notifier   notify.Notifier
	Logger     *logrus.Logger
	OnProgress func(transfer.Snapshot)
}

// Session is the process-wide handle on the signed-in identity. At most one poller
// runs at a time and it always belongs to the active identity.
type Session struct {
	cfg        config.ClientConfig
	store      *storage.Store
	keys       *keystore.KeyStore
	relay      *relay.Client
	dialer     network.Dialer
	notifier   notify.Notifier
	logger     *logrus.Logger
	onProgress func(transfer.Snapshot)

	mu          sync.Mutex
	identity    models.Identity
	connections *connection.Manager
	transfers   *transfer.Manager
	poller      *relay.Poller
	polling     bool
}

// New validates options and returns a Session with nothing opened yet.
func New(options Options) (*Session, error) {
	switch {
	case options.Store == nil:
		return nil, errors.New("store is required")
	case options.Keys == nil:
		return nil, errors.New("keystore is required")
	case options.Relay == nil:
		return nil, errors.New("relay client is required")
	case options.Dialer == nil:
		return nil, errors.New("dialer is required")
	}
	notifier := options.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}
	options.Store.SetSecurityEventRetention(options.Config.EventRetention.Std())

	return &Session{
		cfg:        options.Config,
		store:      options.Store,
		keys:       options.Keys,
		relay:      options.Relay,
		dialer:     options.Dialer,
		notifier:   notifier,
		logger:     logging.OrDiscard(options.Logger),
		onProgress: options.OnProgress,
	}, nil
}

// Register creates a local identity, makes it active and publishes it to the relay.
// When publishing fails the local identity is kept and the error is returned; the
// next Open publishes again.
func (s *Session) Register(ctx context.Context, username string) (models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardownLocked()
	identity, err := s.keys.GenerateIdentity(username)
	if err != nil {
		return models.Identity{}, err
	}
	if err := s.publish(ctx, identity); err != nil {
		return identity, fmt.Errorf("publish %q to relay: %w", identity.Username, err)
	}
	return identity, nil
}

// Login switches the active identity to username. Anything opened for the previous
// identity is stopped first.
func (s *Session) Login(username string) (models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardownLocked()
	return s.keys.Login(username)
}

// Logout stops polling, closes the managers and clears the active identity.
func (s *Session) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardownLocked()
	return s.keys.Logout()
}

// Open builds the managers for the active identity and republishes it to the relay.
// Opening the identity that is already open is a no-op.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

// Start opens the active identity and starts its poller, replacing any poller that
// was already running.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(ctx); err != nil {
		return err
	}
	if err := s.stopPollingLocked(); err != nil {
		return err
	}
	s.poller.Start()
	s.polling = true
	s.logger.WithField("identity_id", s.identity.ID).Info("relay polling started")
	return nil
}

// Stop halts polling and returns once the loop has exited. The managers stay open.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopPollingLocked()
}

// Close releases everything Open acquired without logging out.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

// Sync polls the relay once and dispatches whatever arrived.
func (s *Session) Sync(ctx context.Context) error {
	s.mu.Lock()
	poller := s.poller
	s.mu.Unlock()
	if poller == nil {
		return models.ErrNoActiveIdentity
	}
	return poller.Sync(ctx)
}

// Identity returns the opened identity.
func (s *Session) Identity() (models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connections == nil {
		return models.Identity{}, models.ErrNoActiveIdentity
	}
	return s.identity, nil
}

// Connections returns the opened identity's connection manager.
func (s *Session) Connections() (*connection.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connections == nil {
		return nil, models.ErrNoActiveIdentity
	}
	return s.connections, nil
}

// Transfers returns the opened identity's transfer manager.
func (s *Session) Transfers() (*transfer.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transfers == nil {
		return nil, models.ErrNoActiveIdentity
	}
	return s.transfers, nil
}

// Housekeep expires completed transfers past their retention window and prunes
// consumed envelope ids and security events that aged out.
func (s *Session) Housekeep(now time.Time) (int, error) {
	transfers, err := s.Transfers()
	if err != nil {
		return 0, err
	}

	expired, err := transfers.Housekeep(now)
	errs := []error{err}
	if _, err := s.store.PruneSeenEnvelopes(now.Add(-storage.DefaultSeenEnvelopeRetention).UnixMilli()); err != nil {
		errs = append(errs, err)
	}
	if retention := s.cfg.EventRetention.Std(); retention > 0 {
		if _, err := s.store.PruneSecurityEvents(now.Add(-retention).UnixMilli()); err != nil {
			errs = append(errs, err)
		}
	}
	return expired, errors.Join(errs...)
}

// SecurityEvents returns the most recent dropped-envelope records of the open
// identity, newest first.
func (s *Session) SecurityEvents(limit int) ([]storage.SecurityEvent, error) {
	identity, err := s.Identity()
	if err != nil {
		return nil, err
	}
	return s.store.GetSecurityEvents(storage.SecurityEventFilter{OwnerID: identity.ID, Limit: limit})
}

func (s *Session) openLocked(ctx context.Context) error {
	identity, err := s.keys.Active()
	if err != nil {
		return err
	}
	if s.connections != nil && s.identity.ID == identity.ID {
		return nil
	}
	s.teardownLocked()

	if err := s.publish(ctx, identity); err != nil {
		s.logger.WithError(err).WithField("identity_id", identity.ID).Warn("relay registration refresh failed")
	}

	connections, err := connection.New(connection.Options{
		Owner:     identity,
		Directory: s.relay,
		Keys:      s.keys,
		Store:     s.store,
		Notifier:  s.notifier,
		Logger:    s.logger,
	})
	if err != nil {
		return err
	}

	transfers, err := transfer.New(transfer.Options{
		Owner:            identity,
		Relay:            s.relay,
		Keys:             s.keys,
		Peers:            connections,
		Dialer:           s.dialer,
		Store:            s.store,
		Notifier:         s.notifier,
		FilesDir:         s.cfg.FilesDir,
		TempDir:          s.cfg.TempDir,
		ChunkSize:        s.cfg.ChunkSize,
		ResponseTimeout:  s.cfg.ResponseTimeout.Std(),
		HandshakeTimeout: s.cfg.HandshakeTimeout.Std(),
		ChunkTimeout:     s.cfg.ChunkTimeout.Std(),
		OnProgress:       s.onProgress,
		Logger:           s.logger,
	})
	if err != nil {
		return err
	}

	poller, err := s.newPoller(identity, connections, transfers)
	if err != nil {
		transfers.Close()
		return err
	}

	s.identity = identity
	s.connections = connections
	s.transfers = transfers
	s.poller = poller
	s.logger.WithFields(logrus.Fields{"identity_id": identity.ID, "username": identity.Username}).Info("session opened")
	return nil
}

// newPoller binds a poller to one identity's managers. Request-queue envelopes go
// to the connection manager and signal-queue envelopes to the transfer manager.
func (s *Session) newPoller(identity models.Identity, connections *connection.Manager, transfers *transfer.Manager) (*relay.Poller, error) {
	return relay.NewPoller(relay.PollerOptions{
		Source:   s.relay,
		Store:    s.store,
		OwnerID:  identity.ID,
		Interval: s.cfg.PollInterval.Std(),
		Handler: func(ctx context.Context, queue string, env relay.Envelope) {
			switch queue {
			case storage.QueueRequest:
				connections.HandleRequest(ctx, env)
			case storage.QueueSignal:
				transfers.HandleSignal(ctx, env)
			}
		},
		OnRelayError: func(err error) {
			s.notifier.Enqueue(notify.CategoryError, fmt.Sprintf("Relay unreachable: %v", err), map[string]string{"relay": s.relay.BaseURL()})
		},
		OnRelayRecovered: func() {
			s.notifier.Enqueue(notify.CategoryInfo, "Relay reachable again", map[string]string{"relay": s.relay.BaseURL()})
		},
		Logger: s.logger,
	})
}

// stopPollingLocked stops a running poller and replaces it with an unstarted one,
// so Sync keeps working and a later Start has a fresh loop.
func (s *Session) stopPollingLocked() error {
	if s.poller == nil || !s.polling {
		return nil
	}
	s.poller.Stop()
	s.polling = false
	s.logger.WithField("identity_id", s.identity.ID).Info("relay polling stopped")

	poller, err := s.newPoller(s.identity, s.connections, s.transfers)
	if err != nil {
		return err
	}
	s.poller = poller
	return nil
}

func (s *Session) teardownLocked() {
	if s.poller != nil && s.polling {
		s.poller.Stop()
	}
	if s.transfers != nil {
		s.transfers.Close()
	}
	s.poller = nil
	s.polling = false
	s.connections = nil
	s.transfers = nil
	s.identity = models.Identity{}
}

func (s *Session) publish(ctx context.Context, identity models.Identity) error {
	return s.relay.Register(ctx, relay.User{
		ID:        identity.ID,
		Username:  identity.Username,
		PublicKey: identity.PublicKey,
	})
}
