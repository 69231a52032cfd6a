// Package config loads hatchpod server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MinTokenLength is the minimum recommended length for API auth tokens.
const MinTokenLength = 32

// Defaults exported for documentation and validation.
const (
	DefaultBind            = "127.0.0.1:4670"
	DefaultMaxSessions     = 50
	DefaultRetention       = time.Hour
	DefaultCleanupInterval = 5 * time.Minute
	DefaultGitPollInterval = 2 * time.Second
	DefaultProvider        = "claude"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sessions SessionConfig  `yaml:"sessions"`
	Provider ProviderConfig `yaml:"provider"`
	Bus      BusConfig      `yaml:"bus"`
}

// ServerConfig covers the HTTP/WebSocket listener.
type ServerConfig struct {
	Bind string `yaml:"bind"`

	// Token authenticates every REST request and WebSocket handshake.
	// The server refuses to start without one.
	Token string `yaml:"token"`

	// AllowedOrigins for CORS; empty allows none beyond same-origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// PublicMetrics serves /metrics without authentication.
	PublicMetrics bool `yaml:"public_metrics"`
}

// SessionConfig tunes the registry.
type SessionConfig struct {
	MaxSessions     int           `yaml:"max_sessions"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	GitPollInterval time.Duration `yaml:"git_poll_interval"`

	// AllowBypassPermissions gates switching any session into the
	// bypassPermissions mode.
	AllowBypassPermissions bool `yaml:"allow_bypass_permissions"`
}

// UnmarshalYAML accepts Go duration strings ("30m", "1h") for the time
// fields, which yaml.v3 does not decode into time.Duration on its own.
// Fields absent from the file keep their current values.
func (s *SessionConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		MaxSessions            int    `yaml:"max_sessions"`
		Retention              string `yaml:"retention"`
		CleanupInterval        string `yaml:"cleanup_interval"`
		GitPollInterval        string `yaml:"git_poll_interval"`
		AllowBypassPermissions bool   `yaml:"allow_bypass_permissions"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	if r.MaxSessions != 0 {
		s.MaxSessions = r.MaxSessions
	}
	if r.AllowBypassPermissions {
		s.AllowBypassPermissions = true
	}
	for _, f := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"retention", r.Retention, &s.Retention},
		{"cleanup_interval", r.CleanupInterval, &s.CleanupInterval},
		{"git_poll_interval", r.GitPollInterval, &s.GitPollInterval},
	} {
		if f.in == "" {
			continue
		}
		d, err := time.ParseDuration(f.in)
		if err != nil {
			return fmt.Errorf("sessions.%s: %w", f.name, err)
		}
		*f.out = d
	}
	return nil
}

// ProviderConfig selects and locates the agent backend.
type ProviderConfig struct {
	Default string `yaml:"default"`

	// ProjectsDir is where the Claude CLI persists transcripts.
	// Empty resolves to ~/.claude/projects.
	ProjectsDir string `yaml:"projects_dir"`
}

// BusConfig enables the NATS event mirror when URL is set.
type BusConfig struct {
	URL string `yaml:"url"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Bind: DefaultBind},
		Sessions: SessionConfig{
			MaxSessions:     DefaultMaxSessions,
			Retention:       DefaultRetention,
			CleanupInterval: DefaultCleanupInterval,
			GitPollInterval: DefaultGitPollInterval,
		},
		Provider: ProviderConfig{Default: DefaultProvider},
	}
}

// Load reads the config file at path (skipped when path is empty or the
// file is absent), then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// Environment overrides, checked after the file so deployments can inject
// secrets without writing them to disk.
func (c *Config) applyEnv() {
	if v := os.Getenv("HATCHPOD_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("HATCHPOD_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("CLAUDE_PROJECTS_DIR"); v != "" {
		c.Provider.ProjectsDir = v
	}
	if v := os.Getenv("HATCHPOD_NATS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("HATCHPOD_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sessions.MaxSessions = n
		}
	}
	if v := os.Getenv("ALLOW_BYPASS_PERMISSIONS"); v != "" {
		c.Sessions.AllowBypassPermissions = v == "1" || v == "true"
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Token == "" {
		return fmt.Errorf("server token is required (set server.token or HATCHPOD_TOKEN)")
	}
	if len(c.Server.Token) < MinTokenLength {
		return fmt.Errorf("server token must be at least %d characters", MinTokenLength)
	}
	if c.Server.Bind == "" {
		return fmt.Errorf("server bind address is required")
	}
	if c.Sessions.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive")
	}
	return nil
}
