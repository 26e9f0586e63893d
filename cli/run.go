package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"securepeer/notify"
)

const defaultHousekeepInterval = 10 * time.Minute

func runCmd(a *app) *cobra.Command {
	var housekeepEvery time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stay online: poll the relay, serve files and print notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.openIdentity(ctx)
			if err != nil {
				return err
			}
			identity, err := sess.Identity()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			updates := a.queue.Subscribe()
			defer a.queue.Unsubscribe(updates)
			a.progress.enable()
			if err := sess.Start(ctx); err != nil {
				return err
			}

			fmt.Fprintf(out, "Identity:  %s (%s)\n", identity.Username, fingerprint(identity.PublicKey))
			fmt.Fprintf(out, "Relay:     %s\n", a.client.BaseURL())
			fmt.Fprintln(out, "Status:    running (press Ctrl+C to stop)")

			housekeep := func() {
				if _, err := sess.Housekeep(time.Now()); err != nil {
					a.logger.WithError(err).Warn("housekeeping failed")
				}
			}
			housekeep()
			if housekeepEvery <= 0 {
				housekeepEvery = defaultHousekeepInterval
			}
			ticker := time.NewTicker(housekeepEvery)
			defer ticker.Stop()

			for {
				select {
				case n := <-updates:
					printNotification(out, n)
				case <-ticker.C:
					housekeep()
				case <-ctx.Done():
					fmt.Fprintln(out, "Status:    shutting down")
					return nil
				}
			}
		},
	}
	cmd.Flags().DurationVar(&housekeepEvery, "housekeep-interval", defaultHousekeepInterval, "how often expired transfers are cleaned up")
	return cmd
}

func housekeepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "housekeep",
		Short: "Expire completed transfers and prune aged local records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.openIdentity(cmd.Context())
			if err != nil {
				return err
			}
			expired, err := sess.Housekeep(time.Now())
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d transfer(s).\n", expired)
			return err
		},
	}
}

func eventsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show dropped or forged envelopes recorded for the active identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.openIdentity(cmd.Context())
			if err != nil {
				return err
			}
			events, err := sess.SecurityEvents(limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No security events.")
				return nil
			}
			w := newTable(cmd.OutOrStdout(), "TIME", "SEVERITY", "EVENT", "PEER", "DETAILS")
			for _, ev := range events {
				peer := "-"
				if ev.PeerID != nil {
					peer = *ev.PeerID
				}
				w.row(formatMillis(ev.Timestamp), ev.Severity, ev.EventType, peer, ev.Details)
			}
			return w.flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of events")
	return cmd
}

func printNotification(out io.Writer, n notify.Notification) {
	keys := make([]string, 0, len(n.Data))
	for k := range n.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", time.UnixMilli(n.CreatedAt).Format("15:04:05"), n.Category, n.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, n.Data[k])
	}
	fmt.Fprintln(out, b.String())
}
