package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/takaaki-s/l2i/internal/core"
	"github.com/takaaki-s/l2i/internal/store"
	"github.com/takaaki-s/l2i/internal/tui"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running session, if any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := storePaths()
			if err != nil {
				return err
			}

			state, err := store.NewSessionRecorder(paths.SessionFile()).LoadActive()
			if err != nil {
				core.Warn("Failed to clear stale session: %v", err)
			}

			out := cmd.OutOrStdout()
			if state == nil {
				fmt.Fprintln(out, "No active session")
				return nil
			}

			fmt.Fprintf(out, "Session:   %s\n", state.ID)
			fmt.Fprintf(out, "PID:       %d\n", state.OwnerProcessID)
			fmt.Fprintf(out, "Directory: %s\n", state.Directory)
			fmt.Fprintf(out, "Local:     http://127.0.0.1:%d (%s)\n", state.Port, state.Backend)
			fmt.Fprintf(out, "Started:   %s (%s ago)\n", state.StartedAt.Local().Format("2006-01-02 15:04:05"), time.Since(state.StartedAt).Round(time.Second))

			results := make(map[core.Provider]core.TunnelResult, len(state.Tunnels))
			for name, t := range state.Tunnels {
				results[core.Provider(name)] = core.TunnelResult{
					Provider: core.Provider(name),
					URL:      t.URL,
					Status:   core.TunnelStatus(t.Status),
					Reason:   core.FailureReason(t.Reason),
				}
			}
			fmt.Fprintln(out)
			for _, p := range tui.OrderedProviders(results) {
				r := results[p]
				if r.Active() {
					fmt.Fprintf(out, "  %-11s %s\n", p.Title(), r.URL)
				} else {
					fmt.Fprintf(out, "  %-11s %s %s\n", p.Title(), r.Status, r.Reason)
				}
			}
			return nil
		},
	}
}
