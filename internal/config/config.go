package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	rerrors "git.home.luguber.info/inful/sketchrender/internal/errors"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Sync      SyncConfig      `yaml:"sync"`
	Toolchain ToolchainConfig `yaml:"toolchain"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the listening socket of the service shell.
type ServerConfig struct {
	Host              string        `yaml:"host,omitempty"`
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout,omitempty"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// CatalogConfig configures the durable catalog.
type CatalogConfig struct {
	Dir         string `yaml:"dir"`
	Title       string `yaml:"title"`
	Description string `yaml:"description,omitempty"`
	TTL         int    `yaml:"ttl,omitempty"` // seconds advertised in the discovery pointer
}

// WorkspaceConfig configures per-job working directories.
type WorkspaceConfig struct {
	BaseDir       string        `yaml:"base_dir,omitempty"` // defaults to os.TempDir()
	StaleAfter    time.Duration `yaml:"stale_after,omitempty"`
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
}

// SyncConfig configures the content synchronization gate.
type SyncConfig struct {
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// Settle is an optional stabilization window: after the first update the gate
	// waits until no further update arrives for this long. Zero materializes on
	// the first update.
	Settle time.Duration `yaml:"settle,omitempty"`
}

// ToolchainConfig configures the external install/bundle/render commands.
type ToolchainConfig struct {
	MaxConcurrent int         `yaml:"max_concurrent,omitempty"`
	Install       CommandSpec `yaml:"install"`
	Bundle        CommandSpec `yaml:"bundle"`
	Render        CommandSpec `yaml:"render"`
}

// CommandSpec describes one external command. Args and Output may contain the
// placeholders {workspace}, {entry}, {input} and {output}.
type CommandSpec struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Output  string            `yaml:"output,omitempty"` // relative to the workspace
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// DiscoveryConfig configures swarm announcements over NATS.
type DiscoveryConfig struct {
	Enabled          *bool         `yaml:"enabled,omitempty"` // defaults to true
	NATSURL          string        `yaml:"nats_url,omitempty"`
	Subject          string        `yaml:"subject,omitempty"`
	KVBucket         string        `yaml:"kv_bucket,omitempty"`
	AnnounceInterval time.Duration `yaml:"announce_interval,omitempty"`
	AdvertiseAddress string        `yaml:"advertise_address,omitempty"`
	Retry            RetryConfig   `yaml:"retry,omitempty"`
}

// EventsConfig configures the job event store.
type EventsConfig struct {
	DBPath string `yaml:"db_path,omitempty"` // ":memory:" keeps history in-process only
	// Retention drops the history of jobs last seen longer ago. Negative keeps
	// history forever.
	Retention time.Duration `yaml:"retention,omitempty"`
}

// LoggingConfig configures the default slog handler.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level,omitempty"`
	Format LogFormat `yaml:"format,omitempty"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"` // defaults to true
	Path    string `yaml:"path,omitempty"`
}

// Load loads configuration from the specified file.
func Load(configPath string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		// Don't fail if .env doesn't exist
		fmt.Fprintf(os.Stderr, "Note: .env file not found or couldn't be loaded: %v\n", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, rerrors.ConfigNotFound(configPath)
	}

	// #nosec G304 - config path is provided by the operator
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, expanding environment variables and applying defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// IsEnabled reports whether swarm announcements are enabled.
func (d DiscoveryConfig) IsEnabled() bool { return boolOr(d.Enabled, true) }

// IsEnabled reports whether the metrics endpoint is served.
func (m MetricsConfig) IsEnabled() bool { return boolOr(m.Enabled, true) }

// Address returns the host:port the server listens on.
func (s ServerConfig) Address() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Bool returns a pointer to b, for optional boolean settings.
func Bool(b bool) *bool { return &b }
