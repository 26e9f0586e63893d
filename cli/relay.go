package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"securepeer/discovery"
	"securepeer/relay"
)

const (
	defaultRelayListen   = ":8080"
	relayShutdownTimeout = 5 * time.Second
)

func relayCmd(a *app) *cobra.Command {
	var (
		listen string
		name   string
		noMDNS bool
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run an in-memory signal relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}
			port := ln.Addr().(*net.TCPAddr).Port

			server := &http.Server{
				Handler:           relay.NewServer(relay.ServerOptions{Logger: a.logger}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				serveErr <- server.Serve(ln)
			}()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Relay:     listening on %s\n", ln.Addr())

			if !noMDNS {
				if name == "" {
					name, _ = os.Hostname()
				}
				advertiser, err := discovery.Advertise(discovery.Config{
					InstanceName: name,
					RelayID:      uuid.NewString(),
					Port:         port,
				})
				if err != nil {
					a.logger.WithError(err).Warn("mDNS advertisement failed, clients need --relay")
				} else {
					defer advertiser.Stop()
					fmt.Fprintf(out, "Discovery: advertising %q on the local network\n", name)
				}
			}
			fmt.Fprintln(out, "Status:    running (press Ctrl+C to stop)")

			select {
			case err := <-serveErr:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			fmt.Fprintln(out, "Status:    shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), relayShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", defaultRelayListen, "address to listen on")
	cmd.Flags().StringVar(&name, "name", "", "mDNS instance name (default hostname)")
	cmd.Flags().BoolVar(&noMDNS, "no-mdns", false, "do not advertise on the local network")
	return cmd
}
