package config

import "time"

// Default values. Toolchain defaults mirror the canvas-sketch render flow:
// npm install, ncc bundling, canvas-sketch-cli inline build.
const (
	DefaultPort              = 3000
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultCatalogDir        = "./data/catalog"
	DefaultCatalogTitle      = "sketchrender"
	DefaultCatalogDesc       = "Renders canvas sketches into single-file HTML documents"
	DefaultCatalogTTL        = 25920
	DefaultStaleAfter        = time.Hour
	DefaultSweepInterval     = 10 * time.Minute
	DefaultSyncTimeout       = 30 * time.Second
	DefaultMaxConcurrent     = 4
	DefaultInstallTimeout    = 5 * time.Minute
	DefaultStepTimeout       = 2 * time.Minute
	DefaultNATSURL           = "nats://127.0.0.1:4222"
	DefaultSubject           = "sketchrender.announce"
	DefaultKVBucket          = "sketchrender-swarm"
	DefaultAnnounceInterval  = 5 * time.Minute
	DefaultRetryInitial      = 500 * time.Millisecond
	DefaultRetryMax          = 5 * time.Second
	DefaultRetryMaxRetries   = 2
	DefaultEventsDB          = "./data/events.db"
	DefaultEventRetention    = 30 * 24 * time.Hour
	DefaultMetricsPath       = "/metrics"

	// ArtifactName is the fixed file name the renderer writes into the workspace.
	ArtifactName = "_index.html"
)

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyCatalogDefaults(&cfg.Catalog)
	applyWorkspaceDefaults(&cfg.Workspace)
	if cfg.Sync.Timeout <= 0 {
		cfg.Sync.Timeout = DefaultSyncTimeout
	}
	if cfg.Sync.Settle < 0 {
		cfg.Sync.Settle = 0
	}
	ApplyToolchainDefaults(&cfg.Toolchain)
	applyDiscoveryDefaults(&cfg.Discovery)
	if cfg.Events.DBPath == "" {
		cfg.Events.DBPath = DefaultEventsDB
	}
	if cfg.Events.Retention == 0 {
		cfg.Events.Retention = DefaultEventRetention
	}
	cfg.Logging.Level = NormalizeLogLevel(string(cfg.Logging.Level))
	cfg.Logging.Format = NormalizeLogFormat(string(cfg.Logging.Format))
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}

func applyServerDefaults(s *ServerConfig) {
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.ReadHeaderTimeout <= 0 {
		s.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func applyCatalogDefaults(c *CatalogConfig) {
	if c.Dir == "" {
		c.Dir = DefaultCatalogDir
	}
	if c.Title == "" {
		c.Title = DefaultCatalogTitle
	}
	if c.Description == "" {
		c.Description = DefaultCatalogDesc
	}
	if c.TTL <= 0 {
		c.TTL = DefaultCatalogTTL
	}
}

func applyWorkspaceDefaults(w *WorkspaceConfig) {
	if w.StaleAfter <= 0 {
		w.StaleAfter = DefaultStaleAfter
	}
	if w.SweepInterval <= 0 {
		w.SweepInterval = DefaultSweepInterval
	}
}

// ApplyToolchainDefaults fills unset toolchain commands. Exported so the
// config watcher can normalize a reloaded toolchain section on its own.
func ApplyToolchainDefaults(t *ToolchainConfig) {
	if t.MaxConcurrent <= 0 {
		t.MaxConcurrent = DefaultMaxConcurrent
	}
	if t.Install.Command == "" {
		t.Install = CommandSpec{Command: "npm", Args: []string{"install"}}
	}
	if t.Install.Timeout <= 0 {
		t.Install.Timeout = DefaultInstallTimeout
	}
	if t.Bundle.Command == "" {
		t.Bundle = CommandSpec{
			Command: "ncc",
			Args:    []string{"build", "{entry}", "-o", "{workspace}/_bundle"},
			Output:  "_bundle/index.js",
		}
	}
	if t.Bundle.Timeout <= 0 {
		t.Bundle.Timeout = DefaultStepTimeout
	}
	if t.Render.Command == "" {
		t.Render = CommandSpec{
			Command: "canvas-sketch-cli",
			Args:    []string{"{input}", "--build", "--inline", "--name", "_index"},
			Output:  ArtifactName,
		}
	}
	if t.Render.Output == "" {
		t.Render.Output = ArtifactName
	}
	if t.Render.Timeout <= 0 {
		t.Render.Timeout = DefaultStepTimeout
	}
}

func applyDiscoveryDefaults(d *DiscoveryConfig) {
	if d.NATSURL == "" {
		d.NATSURL = DefaultNATSURL
	}
	if d.Subject == "" {
		d.Subject = DefaultSubject
	}
	if d.KVBucket == "" {
		d.KVBucket = DefaultKVBucket
	}
	if d.AnnounceInterval <= 0 {
		d.AnnounceInterval = DefaultAnnounceInterval
	}
	d.Retry.Backoff = NormalizeRetryBackoff(string(d.Retry.Backoff))
	if d.Retry.Backoff == "" {
		d.Retry.Backoff = RetryBackoffExponential
	}
	if d.Retry.Initial <= 0 {
		d.Retry.Initial = DefaultRetryInitial
	}
	if d.Retry.Max <= 0 {
		d.Retry.Max = DefaultRetryMax
	}
	if d.Retry.MaxRetries == 0 {
		d.Retry.MaxRetries = DefaultRetryMaxRetries
	}
}
