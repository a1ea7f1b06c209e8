package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/takaaki-s/l2i/internal/core"
	"github.com/takaaki-s/l2i/internal/store"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage tunnel provider auth tokens",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <ngrok|loclx> TOKEN",
			Short: "Store an auth token",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				creds, paths, err := credentialStore()
				if err != nil {
					return err
				}
				_, loadErr := creds.Load()
				if err := creds.Set(args[0], args[1]); err != nil {
					return err
				}
				if loadErr != nil {
					core.Warn("Replaced unreadable %s (%v); the old file is at %s", creds.Path(), loadErr, creds.BackupPath())
				}
				recordEvent(paths, "api_key_configured", map[string]interface{}{"provider": args[0]})
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s token saved to %s\n", args[0], creds.Path())
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Show the configured tokens (masked)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				creds, _, err := credentialStore()
				if err != nil {
					return err
				}
				stored, err := creds.Load()
				if err != nil {
					core.Warn("Ignoring unreadable credentials: %v", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ngrok:      %s\n", store.Mask(stored.NgrokToken))
				fmt.Fprintf(out, "loclx:      %s\n", store.Mask(stored.LoclxToken))
				fmt.Fprintln(out, "cloudflare: no token needed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "test",
			Short: "Check the stored tokens against the installed clients",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				settings, paths, err := loadSettings()
				if err != nil {
					return err
				}
				stored, err := store.NewCredentialStore(paths.ConfigFile()).Load()
				if err != nil {
					core.Warn("Ignoring unreadable credentials: %v", err)
				}

				out := cmd.OutOrStdout()
				ngrok := resolveClient(settings.ProviderSettings[string(core.ProviderNgrok)].Binary, paths, core.ProviderNgrok)
				switch {
				case stored.NgrokToken == "":
					fmt.Fprintln(out, "ngrok:      not configured")
				case !installed(ngrok):
					fmt.Fprintf(out, "ngrok:      token set, but %s is not installed\n", ngrok)
				default:
					switch core.CheckNgrokConfig(cmd.Context(), ngrok) {
					case core.KeyValid:
						fmt.Fprintln(out, "ngrok:      ✓ valid")
					case core.KeyConfigured:
						fmt.Fprintln(out, "ngrok:      ✓ configured")
					default:
						fmt.Fprintln(out, "ngrok:      ⚠ cannot verify (may still work)")
					}
				}

				if stored.LoclxToken == "" {
					fmt.Fprintln(out, "loclx:      not configured")
				} else {
					fmt.Fprintln(out, "loclx:      ✓ token set (checked when a tunnel starts)")
				}
				fmt.Fprintln(out, "cloudflare: no token needed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <ngrok|loclx|all>",
			Short: "Remove a stored token",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				creds, _, err := credentialStore()
				if err != nil {
					return err
				}
				_, loadErr := creds.Load()
				if err := creds.Delete(args[0]); err != nil {
					return err
				}
				if loadErr != nil {
					core.Warn("Replaced unreadable %s (%v); the old file is at %s", creds.Path(), loadErr, creds.BackupPath())
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ removed %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func credentialStore() (*store.CredentialStore, store.Paths, error) {
	paths, err := storePaths()
	if err != nil {
		return nil, paths, err
	}
	if err := paths.Ensure(); err != nil {
		return nil, paths, err
	}
	return store.NewCredentialStore(paths.ConfigFile()), paths, nil
}

// recordEvent appends one event; a missing event log is not an error
func recordEvent(paths store.Paths, event string, details map[string]interface{}) {
	events, err := store.OpenEventLog(paths.EventLogFile())
	if err != nil {
		core.Debug("Event log unavailable: %v", err)
		return
	}
	defer events.Close()
	events.Record(event, details)
}
