// Package config loads settings from flags, environment, .env and an optional settings file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kballard/go-shellquote"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/takaaki-s/l2i/internal/store"
)

// EnvPrefix prefixes every environment override, e.g. L2I_PORT
const EnvPrefix = "L2I"

// ProviderNames lists the provider keys understood under provider.<name>
var ProviderNames = []string{"ngrok", "cloudflare", "loclx"}

// ProviderSettings are the per-provider overrides
type ProviderSettings struct {
	Binary      string
	ExtraArgs   []string
	AuthMarkers []string
	ControlAddr string
}

// Settings is a typed snapshot of the configuration
type Settings struct {
	Home       string
	Port       int
	Backend    string
	Providers  []string
	Concurrent bool

	HealthEnabled  bool
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	RecoveryDelay  time.Duration

	DiscoveryInterval time.Duration
	ControlAttempts   int
	LogAttempts       int
	ConstrainedFactor int

	VerifyAttempts int
	VerifyInterval time.Duration
	StartDelay     time.Duration
	ServerBinaries map[string]string

	ProviderSettings map[string]ProviderSettings

	MetricsAddr string
	Verbose     bool
	LogJSON     bool
}

// SetDefaults registers every default value
func SetDefaults() {
	viper.SetDefault("home", store.DefaultHome)
	viper.SetDefault("port", 8888)
	viper.SetDefault("backend", "python")
	viper.SetDefault("providers", []string{"ngrok", "cloudflare", "loclx"})
	viper.SetDefault("concurrent", true)

	viper.SetDefault("health.enabled", true)
	viper.SetDefault("health.interval", "30s")
	viper.SetDefault("health.timeout", "5s")
	viper.SetDefault("health.recovery_delay", "2s")

	viper.SetDefault("discovery.interval", "1s")
	viper.SetDefault("discovery.control_attempts", 12)
	viper.SetDefault("discovery.log_attempts", 20)
	viper.SetDefault("discovery.constrained_factor", 2)

	viper.SetDefault("server.verify_attempts", 5)
	viper.SetDefault("server.verify_interval", "1s")
	viper.SetDefault("server.start_delay", "1s")
	viper.SetDefault("server.python", "python3")
	viper.SetDefault("server.php", "php")
	viper.SetDefault("server.node", "http-server")

	viper.SetDefault("provider.ngrok.api_addr", "127.0.0.1:4040")
	viper.SetDefault("provider.cloudflare.metrics_addr", "127.0.0.1:20241")

	viper.SetDefault("metrics_addr", "")
	viper.SetDefault("verbose", false)
	viper.SetDefault("log_json", false)
}

// Load initializes the configuration from file and environment variables. cfgFile wins
// over <home>/settings.yaml; a missing settings file is not an error.
func Load(cfgFile string) error {
	// .env is optional
	_ = godotenv.Load()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	SetDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		paths, err := store.NewPaths(viper.GetString("home"))
		if err != nil {
			return err
		}
		viper.SetConfigFile(paths.SettingsFile())
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || (cfgFile == "" && errors.Is(err, os.ErrNotExist)) {
			return nil
		}
		return fmt.Errorf("failed to read settings: %w", err)
	}
	return nil
}

// Current returns the typed settings
func Current() (*Settings, error) {
	s := &Settings{
		Home:       viper.GetString("home"),
		Port:       viper.GetInt("port"),
		Backend:    viper.GetString("backend"),
		Providers:  splitList(viper.GetStringSlice("providers")),
		Concurrent: viper.GetBool("concurrent"),

		HealthEnabled:  viper.GetBool("health.enabled"),
		HealthInterval: viper.GetDuration("health.interval"),
		HealthTimeout:  viper.GetDuration("health.timeout"),
		RecoveryDelay:  viper.GetDuration("health.recovery_delay"),

		DiscoveryInterval: viper.GetDuration("discovery.interval"),
		ControlAttempts:   viper.GetInt("discovery.control_attempts"),
		LogAttempts:       viper.GetInt("discovery.log_attempts"),
		ConstrainedFactor: viper.GetInt("discovery.constrained_factor"),

		VerifyAttempts: viper.GetInt("server.verify_attempts"),
		VerifyInterval: viper.GetDuration("server.verify_interval"),
		StartDelay:     viper.GetDuration("server.start_delay"),
		ServerBinaries: map[string]string{
			"python": viper.GetString("server.python"),
			"php":    viper.GetString("server.php"),
			"node":   viper.GetString("server.node"),
		},

		ProviderSettings: make(map[string]ProviderSettings),

		MetricsAddr: viper.GetString("metrics_addr"),
		Verbose:     viper.GetBool("verbose"),
		LogJSON:     viper.GetBool("log_json"),
	}

	for _, name := range ProviderNames {
		ps, err := providerSettings(name)
		if err != nil {
			return nil, err
		}
		s.ProviderSettings[name] = ps
	}

	if s.HealthInterval <= 0 {
		return nil, fmt.Errorf("invalid health.interval: %v", viper.Get("health.interval"))
	}
	if s.DiscoveryInterval <= 0 {
		return nil, fmt.Errorf("invalid discovery.interval: %v", viper.Get("discovery.interval"))
	}
	return s, nil
}

func providerSettings(name string) (ProviderSettings, error) {
	prefix := "provider." + name + "."

	var extra []string
	if raw := strings.TrimSpace(viper.GetString(prefix + "extra_args")); raw != "" {
		words, err := shellquote.Split(raw)
		if err != nil {
			return ProviderSettings{}, fmt.Errorf("invalid %sextra_args: %w", prefix, err)
		}
		extra = words
	}

	var markers []string
	if viper.IsSet(prefix + "auth_markers") {
		markers = viper.GetStringSlice(prefix + "auth_markers")
		if markers == nil {
			markers = []string{}
		}
	}

	addr := viper.GetString(prefix + "api_addr")
	if addr == "" {
		addr = viper.GetString(prefix + "metrics_addr")
	}

	binary := viper.GetString(prefix + "binary")
	if binary != "" {
		if expanded, err := homedir.Expand(binary); err == nil {
			binary = filepath.Clean(expanded)
		}
	}

	return ProviderSettings{
		Binary:      binary,
		ExtraArgs:   extra,
		AuthMarkers: markers,
		ControlAddr: addr,
	}, nil
}

// splitList accepts both list values and comma separated strings from env or flags
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
