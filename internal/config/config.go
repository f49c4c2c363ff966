// Package config loads the application configuration from a TOML file and
// fans the sections out to the component packages.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/webmaster-cyber/sendmailzw/internal/api"
	"github.com/webmaster-cyber/sendmailzw/internal/counter"
	"github.com/webmaster-cyber/sendmailzw/internal/events"
	"github.com/webmaster-cyber/sendmailzw/internal/listwriter"
	"github.com/webmaster-cyber/sendmailzw/internal/objstore"
	"github.com/webmaster-cyber/sendmailzw/internal/provider"
	"github.com/webmaster-cyber/sendmailzw/internal/queue"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

// Config is the application configuration.
type Config struct {
	// Mode selects test or production sending. Test mode never fails
	// campaigns on provider rejection.
	Mode string `toml:"mode"`

	// WebRoot is the public base URL baked into tracking links.
	WebRoot string `toml:"web_root"`

	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`

	Server     api.Config             `toml:"server"`
	Postgres   store.PostgresConfig   `toml:"postgres"`
	Redis      counter.RedisConfig    `toml:"redis"`
	S3         objstore.S3Config      `toml:"s3"`
	ListWriter listwriter.Config      `toml:"listwriter"`
	Drainer    queue.DrainerConfig    `toml:"drainer"`
	Dispatcher queue.DispatcherConfig `toml:"dispatcher"`
	Events     events.Config          `toml:"events"`
}

// DefaultConfig returns the defaults for every section.
func DefaultConfig() *Config {
	cfg := &Config{
		Mode:       string(provider.ModeProduction),
		WebRoot:    "http://localhost:8080",
		Server:     api.DefaultConfig(),
		ListWriter: listwriter.DefaultConfig(),
		Drainer:    queue.DefaultDrainerConfig(),
		Dispatcher: queue.DefaultDispatcherConfig(),
		Events:     events.DefaultConfig(),
	}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.Database = "sendmail"
	cfg.Postgres.Username = "sendmail"
	cfg.Postgres.SSLMode = "disable"

	cfg.Redis.Host = "localhost"
	cfg.Redis.Port = 6379

	cfg.S3.Region = "us-east-1"
	return cfg
}

// FindConfigFile looks for a configuration file in common locations.
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config: file not found at %s", configPath)
	}

	locations := []string{
		"./sendmailzw.conf",
		"./config/sendmailzw.conf",
		os.ExpandEnv("$HOME/.sendmailzw.conf"),
		"/etc/sendmailzw/sendmailzw.conf",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", fmt.Errorf("config: no config file found")
}

// LoadConfig loads the configuration, falling back to defaults when no file
// exists.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		slog.Info("no config file found, using defaults")
	} else {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
		}
	}

	// The dispatcher bakes the public base URL into tracking links; it
	// defaults to the top-level setting.
	if cfg.Dispatcher.WebRoot == "" {
		cfg.Dispatcher.WebRoot = cfg.WebRoot
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the TOML decoder cannot.
func (c *Config) Validate() error {
	switch provider.Mode(c.Mode) {
	case provider.ModeTest, provider.ModeProduction:
	default:
		return fmt.Errorf("config: invalid mode %q", c.Mode)
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server listen_addr is required")
	}
	if !strings.HasPrefix(c.WebRoot, "http://") && !strings.HasPrefix(c.WebRoot, "https://") {
		return fmt.Errorf("config: web_root must be an absolute URL")
	}
	if c.Drainer.PageSize <= 0 {
		return fmt.Errorf("config: drainer page_size must be positive")
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("config: dispatcher workers must be positive")
	}
	return nil
}

// SendMode returns the configured mode as the provider type.
func (c *Config) SendMode() provider.Mode {
	return provider.Mode(c.Mode)
}

// SetupLogging installs the configured slog default logger.
func (c *Config) SetupLogging() {
	var level slog.Level
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(c.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
