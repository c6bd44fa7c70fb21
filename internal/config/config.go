// Package config loads server settings from an optional YAML file, JULES_
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix namespaces every environment variable, e.g. JULES_API_KEY
	EnvPrefix = "JULES"

	dataDirName = ".jules-mcp"
)

// Config is the complete server configuration
type Config struct {
	APIKey          string        `mapstructure:"api_key"`
	AllowedRepos    []string      `mapstructure:"allowed_repos"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	Jules           JulesConfig   `mapstructure:"jules"`
	Storage         StorageConfig `mapstructure:"storage"`
	History         HistoryConfig `mapstructure:"history"`
	Events          EventsConfig  `mapstructure:"events"`
	Alerts          AlertsConfig  `mapstructure:"alerts"`
	Log             LogConfig     `mapstructure:"log"`
}

// JulesConfig configures the REST client
type JulesConfig struct {
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
}

// StorageConfig configures the schedule store
type StorageConfig struct {
	Path           string `mapstructure:"path" validate:"required"`
	ResetOnCorrupt bool   `mapstructure:"reset_on_corrupt"`
	Watch          bool   `mapstructure:"watch"`
}

// HistoryConfig configures the run history database
type HistoryConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Path          string        `mapstructure:"path" validate:"required_if=Enabled true"`
	Retention     time.Duration `mapstructure:"retention" validate:"gte=0"`
	PruneInterval time.Duration `mapstructure:"prune_interval" validate:"gt=0"`
}

// EventsConfig configures the optional NATS event stream. An empty URL
// disables publishing.
type EventsConfig struct {
	NATSURL        string        `mapstructure:"nats_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries" validate:"gte=1"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
}

// AlertsConfig configures failure alerts. A zero threshold disables them.
type AlertsConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold" validate:"gte=0"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// DataDir returns the per-user directory holding the store, the history
// database and the default config file
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return dataDirName
	}
	return filepath.Join(home, dataDirName)
}

// DefaultConfigPath is read when no --config flag is given, if it exists
func DefaultConfigPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// New returns a viper instance with defaults and environment binding set up.
// Flags are bound onto it by the caller before Load.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers the default of every key
func SetDefaults(v *viper.Viper) {
	dir := DataDir()

	v.SetDefault("api_key", "")
	v.SetDefault("allowed_repos", []string{})
	v.SetDefault("shutdown_timeout", 10*time.Second)

	v.SetDefault("jules.base_url", "https://jules.googleapis.com/v1alpha")
	v.SetDefault("jules.timeout", 30*time.Second)
	v.SetDefault("jules.requests_per_second", 5.0)

	v.SetDefault("storage.path", filepath.Join(dir, "schedules.json"))
	v.SetDefault("storage.reset_on_corrupt", false)
	v.SetDefault("storage.watch", true)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", filepath.Join(dir, "history.db"))
	v.SetDefault("history.retention", 30*24*time.Hour)
	v.SetDefault("history.prune_interval", 24*time.Hour)

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.connect_timeout", 5*time.Second)
	v.SetDefault("events.connect_retries", 3)
	v.SetDefault("events.max_reconnects", 60)
	v.SetDefault("events.reconnect_wait", 2*time.Second)

	v.SetDefault("alerts.failure_threshold", 3)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads configFile (or the default file when it exists), merges the
// environment and validates the result
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile == "" {
		if _, err := os.Stat(DefaultConfigPath()); err == nil {
			configFile = DefaultConfigPath()
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.AllowedRepos = splitList(cfg.AllowedRepos)
	cfg.Storage.Path = expandHome(cfg.Storage.Path)
	cfg.History.Path = expandHome(cfg.History.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the decoded configuration
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid config %s: failed %q check", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// splitList accepts both YAML lists and comma-separated env values
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
