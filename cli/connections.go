package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"securepeer/connection"
	"securepeer/models"
	"securepeer/transfer"
)

func searchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search the relay directory by username",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conns, err := a.connections(cmd.Context())
			if err != nil {
				return err
			}
			candidates, err := conns.SearchUsers(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No users found.")
				return nil
			}
			w := newTable(cmd.OutOrStdout(), "USERNAME", "ID", "FINGERPRINT")
			for _, c := range candidates {
				w.row(c.Username, c.ID, fingerprint(c.PublicKey))
			}
			return w.flush()
		},
	}
}

func connectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <username|id>",
		Short: "Send a connection request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conns, err := a.connections(ctx)
			if err != nil {
				return err
			}
			peerID, err := resolvePeer(ctx, conns, args[0])
			if err != nil {
				return err
			}
			conn, err := conns.SendConnectionRequest(ctx, peerID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Connection request sent to %s (%s).\n", conn.Username, fingerprint(conn.PublicKey))
			return nil
		},
	}
}

func requestsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "requests",
		Short: "List pending connection requests and file offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.openIdentity(ctx)
			if err != nil {
				return err
			}
			a.sync(ctx, sess)
			conns, err := sess.Connections()
			if err != nil {
				return err
			}
			transfers, err := sess.Transfers()
			if err != nil {
				return err
			}

			pending, err := conns.PendingIncoming()
			if err != nil {
				return err
			}
			var offers []transfer.Snapshot
			for _, snap := range transfers.Sessions() {
				if snap.Direction == transfer.DirectionIncoming && snap.State == transfer.StateAwaitingAcceptance {
					offers = append(offers, snap)
				}
			}
			if len(pending) == 0 && len(offers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing pending.")
				return nil
			}

			w := newTable(cmd.OutOrStdout(), "KIND", "ID", "FROM", "DETAIL")
			for _, c := range pending {
				w.row("connection", c.RequestID, c.Username, fingerprint(c.PublicKey))
			}
			for _, snap := range offers {
				w.row("file", snap.Metadata.ID, snap.Metadata.Sender.Username,
					fmt.Sprintf("%s (%s)", snap.Metadata.Name, formatBytes(snap.TotalBytes)))
			}
			return w.flush()
		},
	}
}

func acceptCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "accept <request-id|username|file-id>",
		Short: "Accept a connection request or receive an offered file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.openIdentity(ctx)
			if err != nil {
				return err
			}
			a.sync(ctx, sess)
			conns, err := sess.Connections()
			if err != nil {
				return err
			}

			if requestID, ok, err := findPendingRequest(conns, args[0]); err != nil {
				return err
			} else if ok {
				conn, err := conns.AcceptConnectionRequest(ctx, requestID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s (%s).\n", conn.Username, fingerprint(conn.PublicKey))
				return nil
			}

			transfers, err := sess.Transfers()
			if err != nil {
				return err
			}
			if _, err := transfers.Session(args[0]); err != nil {
				return fmt.Errorf("%w: %q is neither a pending request nor a file offer", models.ErrUnknownRequest, args[0])
			}
			if err := sess.Start(ctx); err != nil {
				return err
			}
			a.progress.enable()
			if err := transfers.Accept(ctx, args[0]); err != nil {
				return err
			}
			return a.waitTransfers(cmd, transfers, []string{args[0]})
		},
	}
}

func rejectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <request-id|username|file-id>",
		Short: "Reject a connection request or decline an offered file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.openIdentity(ctx)
			if err != nil {
				return err
			}
			a.sync(ctx, sess)
			conns, err := sess.Connections()
			if err != nil {
				return err
			}

			if requestID, ok, err := findPendingRequest(conns, args[0]); err != nil {
				return err
			} else if ok {
				if err := conns.RejectConnectionRequest(ctx, requestID); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Request rejected.")
				return nil
			}

			transfers, err := sess.Transfers()
			if err != nil {
				return err
			}
			if err := transfers.Decline(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "File declined.")
			return nil
		},
	}
}

func connectionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List connections and outstanding requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.openIdentity(ctx)
			if err != nil {
				return err
			}
			a.sync(ctx, sess)
			conns, err := sess.Connections()
			if err != nil {
				return err
			}
			list, err := conns.Connections()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No connections.")
				return nil
			}
			w := newTable(cmd.OutOrStdout(), "USERNAME", "ID", "STATUS", "SINCE", "FINGERPRINT")
			for _, c := range list {
				since := c.CreatedAt
				if c.Status == models.ConnectionConnected {
					since = c.ConnectedAt
				}
				w.row(c.Username, c.PeerID, string(c.Status), formatMillis(since), fingerprint(c.PublicKey))
			}
			return w.flush()
		},
	}
}

func removeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <username|id>",
		Short: "Forget a connection locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conns, err := a.connections(cmd.Context())
			if err != nil {
				return err
			}
			list, err := conns.Connections()
			if err != nil {
				return err
			}
			for _, c := range list {
				if c.PeerID == args[0] || strings.EqualFold(c.Username, args[0]) {
					if err := conns.RemoveConnection(c.PeerID); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", c.Username)
					return nil
				}
			}
			return fmt.Errorf("%w: %q", models.ErrUnknownPeer, args[0])
		},
	}
}

func (a *app) connections(ctx context.Context) (*connection.Manager, error) {
	sess, err := a.openIdentity(ctx)
	if err != nil {
		return nil, err
	}
	return sess.Connections()
}

// resolvePeer maps a relay id or an exact username to a relay id.
func resolvePeer(ctx context.Context, conns *connection.Manager, arg string) (string, error) {
	if _, err := uuid.Parse(arg); err == nil {
		return arg, nil
	}
	known, err := conns.Connections()
	if err != nil {
		return "", err
	}
	for _, c := range known {
		if strings.EqualFold(c.Username, arg) {
			return c.PeerID, nil
		}
	}
	candidates, err := conns.SearchUsers(ctx, arg)
	if err != nil {
		return "", err
	}
	for _, c := range candidates {
		if strings.EqualFold(c.Username, arg) {
			return c.ID, nil
		}
	}
	return "", fmt.Errorf("%w: no user named %q", models.ErrUnknownPeer, arg)
}

// findPendingRequest matches arg against the request id, peer id or username of
// the incoming requests.
func findPendingRequest(conns *connection.Manager, arg string) (string, bool, error) {
	pending, err := conns.PendingIncoming()
	if err != nil {
		return "", false, err
	}
	for _, c := range pending {
		if c.RequestID == arg || c.PeerID == arg || strings.EqualFold(c.Username, arg) {
			return c.RequestID, true, nil
		}
	}
	return "", false, nil
}
