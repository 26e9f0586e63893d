package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"securepeer/crypto"
	"securepeer/models"
)

func registerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "register <username>",
		Short: "Create a local identity and publish it to the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			identity, err := sess.Register(cmd.Context(), args[0])
			if identity.ID != "" {
				printIdentity(cmd, identity)
			}
			if err != nil && identity.ID != "" {
				return fmt.Errorf("identity saved locally, relay registration will be retried: %w", err)
			}
			return err
		},
	}
}

func loginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login <username>",
		Short: "Switch the active identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := a.openKeys()
			if err != nil {
				return err
			}
			identity, err := keys.Login(args[0])
			if err != nil {
				return err
			}
			printIdentity(cmd, identity)
			return nil
		},
	}
}

func logoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the active identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := a.openKeys()
			if err != nil {
				return err
			}
			if err := keys.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
}

func whoamiCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the active identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := a.openKeys()
			if err != nil {
				return err
			}
			if all {
				identities, err := keys.Identities()
				if err != nil {
					return err
				}
				active, _ := keys.Active()
				w := newTable(cmd.OutOrStdout(), "", "USERNAME", "ID", "FINGERPRINT")
				for _, identity := range identities {
					marker := ""
					if identity.ID == active.ID {
						marker = "*"
					}
					w.row(marker, identity.Username, identity.ID, fingerprint(identity.PublicKey))
				}
				return w.flush()
			}

			identity, err := keys.Active()
			if err != nil {
				return err
			}
			printIdentity(cmd, identity)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every local identity")
	return cmd
}

func exportKeyCmd(a *app) *cobra.Command {
	var (
		confirm string
		outPath string
	)
	cmd := &cobra.Command{
		Use:   "export-key",
		Short: "Export the active identity's private key as PEM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := a.openKeys()
			if err != nil {
				return err
			}
			if confirm == "" {
				return fmt.Errorf("%w: pass --confirm with the active username", models.ErrExportNotConfirmed)
			}
			pemBytes, err := keys.ExportPrivateKey(confirm)
			if err != nil {
				return err
			}
			if outPath == "" {
				_, err := cmd.OutOrStdout().Write(pemBytes)
				return err
			}
			if err := os.WriteFile(outPath, pemBytes, 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Private key written to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&confirm, "confirm", "", "active username, re-typed to confirm the export")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to this file (0600) instead of stdout")
	return cmd
}

func printIdentity(cmd *cobra.Command, identity models.Identity) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Username:     %s\n", identity.Username)
	fmt.Fprintf(out, "ID:           %s\n", identity.ID)
	fmt.Fprintf(out, "Fingerprint:  %s\n", fingerprint(identity.PublicKey))
}

func fingerprint(publicKey []byte) string {
	if len(publicKey) == 0 {
		return "-"
	}
	return crypto.FormatFingerprint(crypto.KeyFingerprint(publicKey))
}
