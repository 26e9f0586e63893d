package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"securepeer/models"
	"securepeer/transfer"
)

const interruptCancelTimeout = 5 * time.Second

func sendCmd(a *app) *cobra.Command {
	var (
		expiry string
		noWait bool
	)
	cmd := &cobra.Command{
		Use:   "send <file> <username|id>...",
		Short: "Offer a file to one or more connected peers",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if expiry == "" {
				expiry = a.cfg.DefaultExpiry
			}
			policy, err := models.ParseExpiry(expiry)
			if err != nil {
				return err
			}

			sess, err := a.openIdentity(ctx)
			if err != nil {
				return err
			}
			conns, err := sess.Connections()
			if err != nil {
				return err
			}
			recipients := make([]string, 0, len(args)-1)
			for _, arg := range args[1:] {
				id, err := resolvePeer(ctx, conns, arg)
				if err != nil {
					return err
				}
				recipients = append(recipients, id)
			}

			transfers, err := sess.Transfers()
			if err != nil {
				return err
			}
			if !noWait {
				if err := sess.Start(ctx); err != nil {
					return err
				}
				a.progress.enable()
			}

			snaps, announceErr := transfers.Announce(ctx, args[0], recipients, policy)
			ids := make([]string, 0, len(snaps))
			for _, snap := range snaps {
				fmt.Fprintf(cmd.OutOrStdout(), "Offered %s to %s (file id %s)\n",
					snap.Metadata.Name, snap.Metadata.Recipient.Username, snap.Metadata.ID)
				if !snap.State.Terminal() {
					ids = append(ids, snap.Metadata.ID)
				}
			}
			if noWait || len(ids) == 0 {
				return announceErr
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Waiting for recipients (Ctrl+C cancels)...")
			return errors.Join(announceErr, a.waitTransfers(cmd, transfers, ids))
		},
	}
	cmd.Flags().StringVar(&expiry, "expiry", "", "retention policy: 24h, 7d or never (default from config)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "announce and exit; the file is served later by \"run\"")
	return cmd
}

func transfersCmd(a *app) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "List transfer history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.openIdentity(ctx)
			if err != nil {
				return err
			}
			a.sync(ctx, sess)
			transfers, err := sess.Transfers()
			if err != nil {
				return err
			}
			history, err := transfers.History()
			if err != nil {
				return err
			}
			if len(history) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No transfers.")
				return nil
			}

			headers := []string{"FILE ID", "DIR", "NAME", "PEER", "SIZE", "STATE", "PROGRESS", "UPDATED"}
			if verbose {
				headers = append(headers, "DETAIL")
			}
			w := newTable(cmd.OutOrStdout(), headers...)
			for _, snap := range history {
				cols := []string{
					snap.Metadata.ID,
					string(snap.Direction),
					snap.Metadata.Name,
					peerName(snap),
					formatBytes(snap.TotalBytes),
					string(snap.State),
					fmt.Sprintf("%3.0f%%", snap.Progress()*100),
					formatMillis(snap.UpdatedAt),
				}
				if verbose {
					detail := snap.Failure
					if detail == "" {
						detail = snap.StoredPath
					}
					cols = append(cols, detail)
				}
				w.row(cols...)
			}
			return w.flush()
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show failure reasons and stored paths")
	return cmd
}

func downloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "download <file-id>",
		Short: "Request a file again from its sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.openIdentity(ctx)
			if err != nil {
				return err
			}
			transfers, err := sess.Transfers()
			if err != nil {
				return err
			}
			if err := sess.Start(ctx); err != nil {
				return err
			}
			a.progress.enable()
			if err := transfers.DownloadFile(ctx, args[0]); err != nil {
				return err
			}
			return a.waitTransfers(cmd, transfers, []string{args[0]})
		},
	}
}

func cancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <file-id>",
		Short: "Cancel a pending or running transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.openIdentity(ctx)
			if err != nil {
				return err
			}
			transfers, err := sess.Transfers()
			if err != nil {
				return err
			}
			if err := transfers.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Transfer cancelled.")
			return nil
		},
	}
}

// waitTransfers blocks until every id is terminal and prints the outcome. An
// interrupt cancels whatever is still running.
func (a *app) waitTransfers(cmd *cobra.Command, transfers *transfer.Manager, ids []string) error {
	ctx := cmd.Context()
	var errs []error
	for _, id := range ids {
		snap, err := transfers.Wait(ctx, id)
		if err != nil {
			cancelUnfinished(transfers, ids)
			return fmt.Errorf("interrupted: %w", err)
		}

		out := cmd.OutOrStdout()
		switch snap.State {
		case transfer.StateCompleted:
			if snap.Direction == transfer.DirectionIncoming {
				fmt.Fprintf(out, "Received %s from %s: %s\n", snap.Metadata.Name, peerName(snap), snap.StoredPath)
			} else {
				fmt.Fprintf(out, "Delivered %s to %s\n", snap.Metadata.Name, peerName(snap))
			}
		case transfer.StateCancelled:
			fmt.Fprintf(out, "%s with %s was cancelled\n", snap.Metadata.Name, peerName(snap))
		default:
			cause := snap.Err
			if cause == nil {
				cause = errors.New(snap.Failure)
			}
			errs = append(errs, fmt.Errorf("%s with %s: %w", snap.Metadata.Name, peerName(snap), cause))
		}
	}
	return errors.Join(errs...)
}

func cancelUnfinished(transfers *transfer.Manager, ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), interruptCancelTimeout)
	defer cancel()
	for _, id := range ids {
		snap, err := transfers.Session(id)
		if err != nil || snap.State.Terminal() {
			continue
		}
		_ = transfers.Cancel(ctx, id)
	}
}

func peerName(snap transfer.Snapshot) string {
	if snap.Direction == transfer.DirectionOutgoing {
		return snap.Metadata.Recipient.Username
	}
	return snap.Metadata.Sender.Username
}
