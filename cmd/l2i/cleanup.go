package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/takaaki-s/l2i/internal/core"
	"github.com/takaaki-s/l2i/internal/store"
)

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Kill leftover servers and tunnel clients and clear the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := storePaths()
			if err != nil {
				return err
			}

			sessions := store.NewSessionRecorder(paths.SessionFile())
			if state, _ := sessions.LoadActive(); state != nil {
				return fmt.Errorf("l2i (pid %d) is still running; stop it first", state.OwnerProcessID)
			}

			killed := core.KillStrays(cmd.Context(), core.StrayPatterns)
			if err := sessions.Clear(); err != nil {
				return err
			}
			recordEvent(paths, "session_cleared", map[string]interface{}{"killed": killed})

			fmt.Fprintf(cmd.OutOrStdout(), "✓ killed %d stray process(es), session cleared\n", killed)
			return nil
		},
	}
}
