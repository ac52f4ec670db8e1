// Package config provides configuration loading for plumed.
//
// Configuration is read from a YAML file and overridden by environment
// variables. Every section carries defaults good enough for local
// development against a tool registry on localhost.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds the complete plumed configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Registry    RegistryConfig    `koanf:"registry"`
	OAuth       OAuthConfig       `koanf:"oauth"`
	Reasoner    ReasonerConfig    `koanf:"reasoner"`
	Credentials CredentialsConfig `koanf:"credentials"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// RegistryConfig holds tool registry client configuration.
type RegistryConfig struct {
	BaseURL        string   `koanf:"base_url"`
	DiscoveryTTL   Duration `koanf:"discovery_ttl"`
	InvokeTimeout  Duration `koanf:"invoke_timeout"`
	MaxRetries     int      `koanf:"max_retries"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
}

// OAuthConfig holds CSRF state token configuration.
type OAuthConfig struct {
	// CallbackURL is the public URL the social platforms redirect back to.
	CallbackURL   string   `koanf:"callback_url"`
	StateTTL      Duration `koanf:"state_ttl"`
	SweepInterval Duration `koanf:"sweep_interval"`
}

// ReasonerConfig holds the optional intent-disambiguation hook configuration.
// The reasoner is advisory; the orchestrator never depends on it being up.
type ReasonerConfig struct {
	Enabled           bool     `koanf:"enabled"`
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	Model             string   `koanf:"model"`
	Timeout           Duration `koanf:"timeout"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
}

// CredentialsConfig holds the platform credential store configuration.
type CredentialsConfig struct {
	// Path is the directory holding the SQLite credential database.
	Path string `koanf:"path"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8780
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Registry.BaseURL == "" {
		cfg.Registry.BaseURL = "http://localhost:8765"
	}
	if cfg.Registry.DiscoveryTTL == 0 {
		cfg.Registry.DiscoveryTTL = Duration(5 * time.Minute)
	}
	if cfg.Registry.InvokeTimeout == 0 {
		cfg.Registry.InvokeTimeout = Duration(30 * time.Second)
	}
	if cfg.Registry.MaxRetries == 0 {
		cfg.Registry.MaxRetries = 3
	}
	if cfg.Registry.InitialBackoff == 0 {
		cfg.Registry.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if cfg.Registry.MaxBackoff == 0 {
		cfg.Registry.MaxBackoff = Duration(10 * time.Second)
	}

	if cfg.OAuth.StateTTL == 0 {
		cfg.OAuth.StateTTL = Duration(10 * time.Minute)
	}
	if cfg.OAuth.SweepInterval == 0 {
		cfg.OAuth.SweepInterval = Duration(time.Minute)
	}

	if cfg.Reasoner.Enabled {
		if cfg.Reasoner.Model == "" {
			cfg.Reasoner.Model = "gpt-4o-mini"
		}
		if cfg.Reasoner.Timeout == 0 {
			cfg.Reasoner.Timeout = Duration(5 * time.Second)
		}
		if cfg.Reasoner.RequestsPerSecond == 0 {
			cfg.Reasoner.RequestsPerSecond = 2
		}
		if cfg.Reasoner.Burst == 0 {
			cfg.Reasoner.Burst = 2
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server shutdown_timeout must be positive")
	}

	if err := validateURL("registry.base_url", c.Registry.BaseURL); err != nil {
		return err
	}
	if c.Registry.MaxRetries < 0 {
		return fmt.Errorf("registry.max_retries cannot be negative: %d", c.Registry.MaxRetries)
	}
	if c.Registry.InitialBackoff.Duration() <= 0 {
		return errors.New("registry.initial_backoff must be positive")
	}
	if c.Registry.MaxBackoff.Duration() < c.Registry.InitialBackoff.Duration() {
		return errors.New("registry.max_backoff must be >= registry.initial_backoff")
	}

	if c.OAuth.CallbackURL == "" {
		return errors.New("oauth.callback_url is required")
	}
	if err := validateURL("oauth.callback_url", c.OAuth.CallbackURL); err != nil {
		return err
	}
	if c.OAuth.StateTTL.Duration() <= 0 {
		return errors.New("oauth.state_ttl must be positive")
	}

	if c.Reasoner.Enabled {
		if err := validateURL("reasoner.base_url", c.Reasoner.BaseURL); err != nil {
			return err
		}
		if !c.Reasoner.APIKey.IsSet() {
			return errors.New("reasoner.api_key is required when reasoner is enabled")
		}
		if c.Reasoner.Timeout.Duration() <= 0 {
			return errors.New("reasoner.timeout must be positive")
		}
	}

	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host", field)
	}
	return nil
}
