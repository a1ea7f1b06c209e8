package main

import (
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/takaaki-s/l2i/internal/core"
	"github.com/takaaki-s/l2i/internal/store"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check backends, tunnel clients and connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, paths, err := loadSettings()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Backends:")
			for _, b := range []core.Backend{core.BackendPython, core.BackendPHP, core.BackendNode} {
				check(out, string(b), settings.ServerBinaries[string(b)])
			}

			fmt.Fprintln(out, "Tunnel clients:")
			for _, p := range core.AllProviders {
				binary := resolveClient(settings.ProviderSettings[string(p)].Binary, paths, p)
				check(out, p.Title(), binary)
			}

			fmt.Fprintln(out, "Network:")
			if core.CheckInternet(cmd.Context(), 3*time.Second) {
				fmt.Fprintln(out, "  ✓ internet reachable")
			} else {
				fmt.Fprintln(out, "  ✗ no internet connection; tunnels cannot start")
			}
			if ip := core.LocalIP(); ip != "" {
				fmt.Fprintf(out, "  ✓ local IP %s\n", ip)
			}
			if core.IsTermux() {
				fmt.Fprintf(out, "  Termux detected; discovery waits %dx longer\n", settings.ConstrainedFactor)
			}

			fmt.Fprintf(out, "State directory: %s\n", paths.Home)
			return nil
		},
	}
}

// resolveClient returns the binary used for p's client
func resolveClient(configured string, paths store.Paths, p core.Provider) string {
	return core.ResolveBinary(configured, paths.BinDir(), p.ProcessName())
}

func installed(binary string) bool {
	_, err := exec.LookPath(binary)
	return err == nil
}

func check(out io.Writer, name, binary string) {
	path, err := exec.LookPath(binary)
	if err != nil {
		fmt.Fprintf(out, "  ✗ %-11s %s not found\n", name, binary)
		return
	}
	fmt.Fprintf(out, "  ✓ %-11s %s\n", name, path)
}
