package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/takaaki-s/l2i/internal/config"
	"github.com/takaaki-s/l2i/internal/core"
	"github.com/takaaki-s/l2i/internal/store"
)

var exit = os.Exit

// Execute runs the root command and maps any error to exit code 1
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "l2i",
		Short: "Serve a local directory and expose it through public tunnels",
		Long: `l2i starts a local HTTP server (python, php or node) for a directory and opens
public tunnels to it through ngrok, cloudflared and LocalXpose at the same time.
Tunnels that stop answering are restarted automatically.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(cfgFile); err != nil {
				return err
			}
			core.InitLogger(viper.GetBool("verbose"), viper.GetBool("log_json"))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "settings file (default is <home>/settings.yaml)")
	rootCmd.PersistentFlags().String("home", store.DefaultHome, "state directory for logs, credentials and statistics")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose/debug logging")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")

	bindFlags(rootCmd.PersistentFlags(), map[string]string{
		"home":     "home",
		"verbose":  "verbose",
		"log-json": "log_json",
	})

	rootCmd.AddCommand(
		newServeCmd(),
		newKeysCmd(),
		newStatusCmd(),
		newStatsCmd(),
		newCleanupCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// bindFlags binds each flag name to its viper key
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if f := fs.Lookup(name); f != nil {
			viper.BindPFlag(key, f)
		}
	}
}

// loadSettings returns the settings together with the resolved state directory
func loadSettings() (*config.Settings, store.Paths, error) {
	settings, err := config.Current()
	if err != nil {
		return nil, store.Paths{}, err
	}
	paths, err := store.NewPaths(settings.Home)
	if err != nil {
		return nil, store.Paths{}, err
	}
	return settings, paths, nil
}

// storePaths is used by commands that only touch the state directory
func storePaths() (store.Paths, error) {
	_, paths, err := loadSettings()
	return paths, err
}
