package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all server configuration.
type Config struct {
	Server    ServerConfig
	Session   SessionConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port      string `envconfig:"PORT" default:"8420"`
	Host      string `envconfig:"HOST" default:""`
	StaticDir string `envconfig:"STATIC_DIR" default:"./frontend/dist"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// SessionConfig holds session registry tuning.
type SessionConfig struct {
	MaxSessions     int           `envconfig:"MAX_SESSIONS" default:"10"`
	Shell           string        `envconfig:"SESSION_SHELL"`
	MaxBufferBytes  int           `envconfig:"MAX_BUFFER_BYTES" default:"10485760"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"5m"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"30s"`
	GracePeriod     time.Duration `envconfig:"GRACE_PERIOD" default:"5s"`
	StartupDelay    time.Duration `envconfig:"STARTUP_DELAY" default:"500ms"`
	Cols            uint16        `envconfig:"TERM_COLS" default:"120"`
	Rows            uint16        `envconfig:"TERM_ROWS" default:"30"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int `envconfig:"RATE_LIMIT_BURST" default:"100"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects settings the registry cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port == "":
		return fmt.Errorf("invalid config: PORT is empty")
	case c.Session.MaxSessions < 0:
		return fmt.Errorf("invalid config: MAX_SESSIONS must be >= 0, got %d", c.Session.MaxSessions)
	case c.Session.MaxBufferBytes <= 0:
		return fmt.Errorf("invalid config: MAX_BUFFER_BYTES must be positive, got %d", c.Session.MaxBufferBytes)
	case c.Session.IdleTimeout <= 0:
		return fmt.Errorf("invalid config: IDLE_TIMEOUT must be positive, got %s", c.Session.IdleTimeout)
	case c.Session.CleanupInterval <= 0:
		return fmt.Errorf("invalid config: CLEANUP_INTERVAL must be positive, got %s", c.Session.CleanupInterval)
	case c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0:
		return fmt.Errorf("invalid config: rate limit must be positive")
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      "8420",
			StaticDir: "./frontend/dist",
		},
		Session: SessionConfig{
			MaxSessions:     10,
			MaxBufferBytes:  10 * 1024 * 1024,
			IdleTimeout:     5 * time.Minute,
			CleanupInterval: 30 * time.Second,
			GracePeriod:     5 * time.Second,
			StartupDelay:    500 * time.Millisecond,
			Cols:            120,
			Rows:            30,
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}
