// Package config loads the server configuration from YAML and the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Omen     OmenConfig     `yaml:"omen"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listen address and the browser origins allowed
// to open the assistant websocket.
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// OmenConfig configures the engine connection.
type OmenConfig struct {
	Enabled              bool   `yaml:"enabled"`
	URL                  string `yaml:"url"`
	APIKey               string `yaml:"api_key"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	TranscriptPath       string `yaml:"transcript_path"`

	HandshakeTimeout time.Duration `yaml:"-"`
	WriteTimeout     time.Duration `yaml:"-"`
	ReconnectBase    time.Duration `yaml:"-"`
	ReconnectMax     time.Duration `yaml:"-"`
	AmbientTTL       time.Duration `yaml:"-"`
	ChatTimeout      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	WriteTimeoutRaw     string `yaml:"write_timeout"`
	ReconnectBaseRaw    string `yaml:"reconnect_base"`
	ReconnectMaxRaw     string `yaml:"reconnect_max"`
	AmbientTTLRaw       string `yaml:"ambient_ttl"`
	ChatTimeoutRaw      string `yaml:"chat_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: ":8080"},
		Database: DatabaseConfig{Path: "./data/travelers.db"},
		Omen: OmenConfig{
			Enabled:              true,
			URL:                  "ws://localhost:8100/ws",
			MaxReconnectAttempts: 10,
			HandshakeTimeout:     10 * time.Second,
			WriteTimeout:         10 * time.Second,
			ReconnectBase:        5 * time.Second,
			ReconnectMax:         60 * time.Second,
			AmbientTTL:           5 * time.Second,
			ChatTimeout:          30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the configuration. An empty path yields the defaults. Values
// of the form ${VAR_NAME} in the file are expanded from the environment, and
// PORT, DB_PATH, OMEN_URL, OMEN_API_KEY and OMEN_ENABLED override the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		expandedData := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}

		if err := parseDurations(cfg); err != nil {
			return nil, fmt.Errorf("parsing durations: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or nothing
// when it is unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) error {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.HTTPAddr = ":" + port
	}
	if p := os.Getenv("DB_PATH"); p != "" {
		cfg.Database.Path = p
	}
	if u := os.Getenv("OMEN_URL"); u != "" {
		cfg.Omen.URL = u
	}
	if o := os.Getenv("ALLOWED_ORIGINS"); o != "" {
		cfg.Server.AllowedOrigins = nil
		for _, origin := range strings.Split(o, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, origin)
			}
		}
	}
	if k := os.Getenv("OMEN_API_KEY"); k != "" {
		cfg.Omen.APIKey = k
	}
	if v := os.Getenv("OMEN_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing OMEN_ENABLED %q: %w", v, err)
		}
		cfg.Omen.Enabled = enabled
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Omen.Enabled {
		if c.Omen.URL == "" {
			return fmt.Errorf("omen.url is required when omen is enabled")
		}
		u, err := url.Parse(c.Omen.URL)
		if err != nil {
			return fmt.Errorf("omen.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("omen.url must use ws or wss, got %q", u.Scheme)
		}
	}
	if c.Omen.MaxReconnectAttempts < 1 {
		return fmt.Errorf("omen.max_reconnect_attempts must be positive")
	}
	if c.Omen.ReconnectMax < c.Omen.ReconnectBase {
		return fmt.Errorf("omen.reconnect_max must not be below omen.reconnect_base")
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"handshake_timeout", cfg.Omen.HandshakeTimeoutRaw, &cfg.Omen.HandshakeTimeout},
		{"write_timeout", cfg.Omen.WriteTimeoutRaw, &cfg.Omen.WriteTimeout},
		{"reconnect_base", cfg.Omen.ReconnectBaseRaw, &cfg.Omen.ReconnectBase},
		{"reconnect_max", cfg.Omen.ReconnectMaxRaw, &cfg.Omen.ReconnectMax},
		{"ambient_ttl", cfg.Omen.AmbientTTLRaw, &cfg.Omen.AmbientTTL},
		{"chat_timeout", cfg.Omen.ChatTimeoutRaw, &cfg.Omen.ChatTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
