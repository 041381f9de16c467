package config

import (
	"path/filepath"
	"strings"

	rerrors "git.home.luguber.info/inful/sketchrender/internal/errors"
)

// Validate checks a defaulted configuration for values the service cannot run with.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return rerrors.ValidationFailed("server.port", "must be between 1 and 65535")
	}
	if strings.TrimSpace(cfg.Catalog.Dir) == "" {
		return rerrors.ValidationFailed("catalog.dir", "must not be empty")
	}
	if cfg.Sync.Settle > cfg.Sync.Timeout {
		return rerrors.ValidationFailed("sync.settle", "must not exceed sync.timeout")
	}
	return ValidateToolchain(&cfg.Toolchain)
}

// ValidateToolchain checks the external command section.
func ValidateToolchain(t *ToolchainConfig) error {
	steps := map[string]CommandSpec{
		"toolchain.install": t.Install,
		"toolchain.bundle":  t.Bundle,
		"toolchain.render":  t.Render,
	}
	for field, spec := range steps {
		if strings.TrimSpace(spec.Command) == "" {
			return rerrors.ValidationFailed(field+".command", "must not be empty")
		}
		if spec.Output != "" && !isContainedRelative(spec.Output) {
			return rerrors.ValidationFailed(field+".output", "must be a relative path inside the workspace")
		}
	}
	if t.Bundle.Output == "" {
		return rerrors.ValidationFailed("toolchain.bundle.output", "must name the bundled script")
	}
	return nil
}

// isContainedRelative accepts relative paths, allowing the {workspace} prefix.
func isContainedRelative(p string) bool {
	p = strings.TrimPrefix(p, "{workspace}/")
	if filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}
