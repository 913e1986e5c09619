// Package config loads and validates the larderd YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration loaded from YAML.
type Config struct {
	// RemoteURL is the base URL of the hosted backend (e.g. "https://pos.example.com").
	RemoteURL string `yaml:"remote_url"`

	// RemoteToken is the bearer token used to authenticate with the backend.
	RemoteToken string `yaml:"remote_token"`

	// CachePath overrides the snapshot database location. Defaults to
	// ~/.local/share/larderd/cache.db.
	CachePath string `yaml:"cache_path,omitempty"`

	// Collections lists the collection names the engine manages.
	Collections []string `yaml:"collections"`

	// Indices declares the derived indices maintained over the collections.
	Indices []IndexConfig `yaml:"indices,omitempty"`

	// CacheTTL is how long a persisted snapshot counts as fresh.
	// Defaults to 24h.
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty"`

	// IdleThreshold is the quiet period after which background sync may run.
	// Defaults to 30s.
	IdleThreshold time.Duration `yaml:"idle_threshold,omitempty"`

	// PollInterval controls how often the scheduler wakes up.
	// Minimum 1s, maximum 5m. Defaults to 10s.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// DirtyTTL bounds how long a local optimistic edit stays marked dirty
	// without remote confirmation. Defaults to 30s.
	DirtyTTL time.Duration `yaml:"dirty_ttl,omitempty"`

	// TaskTimeout bounds each sync task body. Defaults to 30s.
	TaskTimeout time.Duration `yaml:"task_timeout,omitempty"`

	// Logging configures optional rotating file output.
	Logging *LoggingConfig `yaml:"logging,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// IndexConfig declares one derived index in the YAML file.
type IndexConfig struct {
	// Name is the index name used for lookups (e.g. "items_by_category").
	Name string `yaml:"name"`

	// Source is the collection whose entities are grouped.
	Source string `yaml:"source"`

	// GroupBy is the field whose value keys the groups (e.g. "category_id").
	GroupBy string `yaml:"group_by"`
}

// LoggingConfig holds optional log-output settings.
type LoggingConfig struct {
	// File enables rotating file output at the given path in addition to
	// stderr. Empty means stderr only.
	File string `yaml:"file,omitempty"`

	// MaxSizeMB is the size at which the log file is rotated. Defaults to 50.
	MaxSizeMB int `yaml:"max_size_mb,omitempty"`

	// MaxBackups is how many rotated files to keep. Defaults to 3.
	MaxBackups int `yaml:"max_backups,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "larderd".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/larderd/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "larderd", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url is required")
	}
	u, err := url.ParseRequestURI(c.RemoteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("remote_url %q must be a valid http or https URL", c.RemoteURL)
	}

	if c.RemoteToken == "" {
		return fmt.Errorf("remote_token is required")
	}

	if len(c.Collections) == 0 {
		return fmt.Errorf("collections must contain at least one entry")
	}
	known := make(map[string]bool, len(c.Collections))
	for _, name := range c.Collections {
		if name == "" {
			return fmt.Errorf("collections contains an empty name")
		}
		if known[name] {
			return fmt.Errorf("collections contains %q twice", name)
		}
		known[name] = true
	}

	for i, idx := range c.Indices {
		if idx.Name == "" {
			return fmt.Errorf("indices[%d] has an empty name", i)
		}
		if idx.GroupBy == "" {
			return fmt.Errorf("indices[%q] has an empty group_by", idx.Name)
		}
		if !known[idx.Source] {
			return fmt.Errorf("indices[%q] sources unknown collection %q", idx.Name, idx.Source)
		}
	}

	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 1s)", c.PollInterval)
	}
	if c.PollInterval > 5*time.Minute {
		return fmt.Errorf("poll_interval %v is too long (maximum 5m)", c.PollInterval)
	}

	if c.CacheTTL == 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.IdleThreshold == 0 {
		c.IdleThreshold = 30 * time.Second
	}
	if c.DirtyTTL == 0 {
		c.DirtyTTL = 30 * time.Second
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 30 * time.Second
	}

	if c.Logging != nil {
		if c.Logging.MaxSizeMB == 0 {
			c.Logging.MaxSizeMB = 50
		}
		if c.Logging.MaxBackups == 0 {
			c.Logging.MaxBackups = 3
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
