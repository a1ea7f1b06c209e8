package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/takaaki-s/l2i/internal/config"
	"github.com/takaaki-s/l2i/internal/core"
	"github.com/takaaki-s/l2i/internal/metrics"
	"github.com/takaaki-s/l2i/internal/tui"
)

// replaced in tests
var checkInternet = core.CheckInternet

type serveFlags struct {
	yes        bool
	dashboard  bool
	noHealth   bool
	sequential bool
}

func newServeCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve [DIR]",
		Short: "Serve DIR (default: current directory) and open public tunnels to it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runServe(cmd, dir, flags)
		},
	}

	cmd.Flags().StringP("backend", "b", "python", "local server backend: python, php or node")
	cmd.Flags().IntP("port", "p", 8888, "local port")
	cmd.Flags().StringSlice("providers", []string{"ngrok", "cloudflare", "loclx"}, "tunnel providers to start")
	cmd.Flags().String("metrics-addr", "", "expose Prometheus metrics on this address, e.g. 127.0.0.1:9090")
	cmd.Flags().BoolVarP(&flags.yes, "yes", "y", false, "answer yes to every prompt (free port, missing internet)")
	cmd.Flags().BoolVarP(&flags.dashboard, "dashboard", "d", false, "show the live dashboard")
	cmd.Flags().BoolVar(&flags.noHealth, "no-health", false, "disable health checks and automatic recovery")
	cmd.Flags().BoolVar(&flags.sequential, "sequential", false, "start providers one after another")

	bindFlags(cmd.Flags(), map[string]string{
		"backend":      "backend",
		"port":         "port",
		"providers":    "providers",
		"metrics-addr": "metrics_addr",
	})

	return cmd
}

func runServe(cmd *cobra.Command, dir string, flags serveFlags) error {
	settings, paths, err := loadSettings()
	if err != nil {
		return err
	}

	directory, err := filepath.Abs(dir)
	if err != nil {
		return &core.ConfigError{Field: "directory", Reason: err.Error()}
	}
	backend, err := core.ParseBackend(settings.Backend)
	if err != nil {
		return err
	}
	providers, err := core.ParseProviders(settings.Providers)
	if err != nil {
		return &core.ConfigError{Field: "providers", Reason: err.Error()}
	}

	if !checkInternet(cmd.Context(), 3*time.Second) {
		core.Warn("Tunnels need an internet connection")
		if !flags.yes && !confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), "No internet connection detected. Continue anyway? [y/N] ") {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if settings.MetricsAddr != "" {
		m = metrics.NewMetrics()
		go func() {
			if err := m.Serve(ctx, settings.MetricsAddr); err != nil {
				core.Warn("Metrics endpoint stopped: %v", err)
			}
		}()
		core.Info("Metrics available at http://%s/metrics", settings.MetricsAddr)
	}

	rt, err := core.NewRuntime(paths,
		core.WithRuntimeDebug(settings.Verbose),
		core.WithRuntimeMetrics(m),
		core.WithStrayCleanup(true),
	)
	if err != nil {
		return err
	}
	defer rt.Close()

	active, err := rt.Sessions.LoadActive()
	if err != nil {
		core.Warn("Failed to clear stale session: %v", err)
	}
	if active != nil {
		return fmt.Errorf("another l2i (pid %d) is serving %s on port %d; stop it or run 'l2i cleanup'",
			active.OwnerProcessID, active.Directory, active.Port)
	}

	if flags.dashboard {
		logFile, err := os.OpenFile(filepath.Join(paths.LogDir(), "l2i.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer logFile.Close()
		core.SetLogOutput(logFile)
		defer core.SetLogOutput(cmd.ErrOrStderr())
	}

	out := cmd.OutOrStdout()
	requested := settings.Port
	readyPort := requested

	opts := serveOptions(settings, directory, backend, providers)
	opts.Concurrent = settings.Concurrent && !flags.sequential
	opts.Health = settings.HealthEnabled && !flags.noHealth
	opts.AcceptPort = func(alternative int) bool {
		if flags.yes {
			core.Info("Port %d is in use, using %d", requested, alternative)
			return true
		}
		return confirm(cmd.InOrStdin(), cmd.ErrOrStderr(),
			fmt.Sprintf("Port %d is in use. Use port %d instead? [y/N] ", requested, alternative))
	}
	opts.OnReady = func(port int, results map[core.Provider]core.TunnelResult) {
		readyPort = port
		if flags.dashboard {
			return
		}
		fmt.Fprint(out, tui.RenderSummary(port, results))
		fmt.Fprintln(out, "Press Ctrl+C to stop.")
	}
	if flags.dashboard {
		opts.Wait = func(ctx context.Context, orch *core.Orchestrator) error {
			return tui.NewDashboard(orch, readyPort, directory, backend, providers).Run(ctx)
		}
	}

	if err := rt.Serve(ctx, opts); err != nil {
		return err
	}
	fmt.Fprintln(out, "Stopped.")
	return nil
}

// serveOptions maps settings onto the runtime's options
func serveOptions(settings *config.Settings, directory string, backend core.Backend, providers []core.Provider) core.ServeOptions {
	budget := core.DiscoveryBudget{
		Interval:        settings.DiscoveryInterval,
		ControlAttempts: settings.ControlAttempts,
		LogAttempts:     settings.LogAttempts,
	}
	if core.IsTermux() {
		budget = budget.Scale(settings.ConstrainedFactor)
	}

	providerOpts := make(map[core.Provider]core.ProviderOptions, len(settings.ProviderSettings))
	for name, ps := range settings.ProviderSettings {
		p, err := core.ParseProvider(name)
		if err != nil {
			continue
		}
		providerOpts[p] = core.ProviderOptions{
			Binary:      ps.Binary,
			ExtraArgs:   ps.ExtraArgs,
			AuthMarkers: ps.AuthMarkers,
			ControlAddr: ps.ControlAddr,
		}
	}

	binaries := core.DefaultBackendBinaries()
	for name, bin := range settings.ServerBinaries {
		if bin != "" {
			binaries[core.Backend(name)] = bin
		}
	}

	return core.ServeOptions{
		Directory:       directory,
		Port:            settings.Port,
		Backend:         backend,
		Providers:       providers,
		ProviderOptions: providerOpts,
		BackendBinaries: binaries,
		Budget:          budget,
		VerifyAttempts:  settings.VerifyAttempts,
		VerifyInterval:  settings.VerifyInterval,
		StartDelay:      settings.StartDelay,
		HealthInterval:  settings.HealthInterval,
		HealthTimeout:   settings.HealthTimeout,
		RecoveryDelay:   settings.RecoveryDelay,
	}
}

// confirm asks a y/N question; anything but y or yes is a no
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprint(out, question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
