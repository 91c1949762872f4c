// Package config provides YAML-based configuration loading for Matilda.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the node/application
	AppName string `mapstructure:"app_name"`

	// Mode selects node behavior: client or server
	Mode string `mapstructure:"mode"`

	// Transport configures the single transport this node runs on
	Transport TransportConfig `mapstructure:"transport"`

	// Codec selects the payload codec: json, cbor or proto
	Codec string `mapstructure:"codec"`

	// RequestTimeoutMS bounds how long a request waits for its reply;
	// 0 disables the timeout entirely
	RequestTimeoutMS int `mapstructure:"request_timeout_ms"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// TransportConfig describes the transport kind and its endpoint.
// Example YAML:
//
//	transport:
//	  kind: tcp
//	  address: ":7777"
type TransportConfig struct {
	// Kind: tcp, udp, quic, winpipe or mem
	Kind string `mapstructure:"kind"`
	// Address to listen on (server) or dial (client); format is
	// transport-specific
	Address string `mapstructure:"address"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName:          "matilda-node",
		Mode:             "server",
		Transport:        TransportConfig{Kind: "tcp", Address: ":7777"},
		Codec:            "json",
		RequestTimeoutMS: 10000,
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/matilda.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix MATILDA and `.`/`-` are replaced with
// `_`. Example: MATILDA_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MATILDA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("mode", cfg.Mode)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.address", cfg.Transport.Address)
	v.SetDefault("codec", cfg.Codec)
	v.SetDefault("request_timeout_ms", cfg.RequestTimeoutMS)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("MATILDA_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `matilda`
		v.SetConfigName("matilda")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".matilda"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	mode := strings.ToLower(strings.TrimSpace(c.Mode))
	switch mode {
	case "client", "server":
		c.Mode = mode
	default:
		return fmt.Errorf("invalid mode: %q", c.Mode)
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "tcp", "udp", "quic", "winpipe", "mem":
		// ok
	default:
		return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
	}

	c.Codec = strings.ToLower(strings.TrimSpace(c.Codec))
	switch c.Codec {
	case "json", "cbor", "proto":
		// ok
	default:
		return fmt.Errorf("invalid codec: %q", c.Codec)
	}

	if c.RequestTimeoutMS < 0 {
		return fmt.Errorf("invalid request_timeout_ms: %d", c.RequestTimeoutMS)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
