package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingReloader struct {
	mu   sync.Mutex
	seen []ToolchainConfig
}

func (r *recordingReloader) ReloadToolchain(cfg ToolchainConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, cfg)
}

func (r *recordingReloader) last() (ToolchainConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return ToolchainConfig{}, false
	}
	return r.seen[len(r.seen)-1], true
}

func TestWatcherReloadsToolchain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sketchrender.yaml")
	require.NoError(t, os.WriteFile(path, []byte("toolchain:\n  install:\n    command: npm\n"), 0o600))

	current, err := Load(path)
	require.NoError(t, err)

	reloader := &recordingReloader{}
	w, err := NewWatcher(path, current, reloader)
	require.NoError(t, err)
	w.WithDebounce(50 * time.Millisecond)
	require.NoError(t, w.Start(t.Context()))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("toolchain:\n  install:\n    command: yarn\n"), 0o600))

	require.Eventually(t, func() bool {
		tc, ok := reloader.last()
		return ok && tc.Install.Command == "yarn"
	}, 5*time.Second, 25*time.Millisecond)
}

func TestWatcherIgnoresInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sketchrender.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 3000\n"), 0o600))

	reloader := &recordingReloader{}
	w, err := NewWatcher(path, Default(), reloader)
	require.NoError(t, err)
	w.WithDebounce(20 * time.Millisecond)
	require.NoError(t, w.Start(t.Context()))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 99999\n"), 0o600))
	time.Sleep(300 * time.Millisecond)

	_, ok := reloader.last()
	require.False(t, ok, "invalid configuration must not reach the reloader")
}
