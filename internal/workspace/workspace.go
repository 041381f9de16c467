package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/sketchrender/internal/logfields"
)

// Prefix is the directory name prefix for every job workspace.
const Prefix = "sketchrender-"

// Manager creates job workspaces under a base directory and remembers the
// ones still in use.
type Manager struct {
	baseDir string

	mu   sync.Mutex
	live map[string]struct{}
}

// NewManager creates a new workspace manager. An empty baseDir uses os.TempDir().
func NewManager(baseDir string) *Manager {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Manager{baseDir: baseDir, live: make(map[string]struct{})}
}

// BaseDir returns the directory workspaces are created in.
func (m *Manager) BaseDir() string { return m.baseDir }

// Live returns the number of workspaces created and not yet cleaned up.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *Manager) track(name string) {
	m.mu.Lock()
	m.live[name] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	delete(m.live, name)
	m.mu.Unlock()
}

func (m *Manager) isLive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[name]
	return ok
}

// Workspace is one job's exclusive directory.
type Workspace struct {
	path    string
	manager *Manager
	mu      sync.Mutex
	removed bool
}

// Create allocates a fresh workspace keyed by the requester identity plus a uniqueness token.
func (m *Manager) Create(identity string) (*Workspace, error) {
	if err := os.MkdirAll(m.baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create workspace base directory: %w", err)
	}

	name := Prefix + sanitize(identity) + "-" + uuid.NewString()
	dir := filepath.Join(m.baseDir, name)
	// registered before it exists so a concurrent Sweep never sees it unowned
	m.track(name)
	// Mkdir (not MkdirAll) so an existing directory is an error, never shared.
	if err := os.Mkdir(dir, 0o750); err != nil {
		m.release(name)
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	slog.Debug("Created workspace", logfields.Path(dir))
	return &Workspace{path: dir, manager: m}, nil
}

// Path returns the path to the workspace directory
func (w *Workspace) Path() string {
	return w.path
}

// Cleanup removes the workspace directory and everything built inside it.
// Calling it again after a successful removal is a no-op. A failed removal
// is left for Sweep.
func (w *Workspace) Cleanup() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.removed {
		return nil
	}
	defer w.manager.release(filepath.Base(w.path))
	if err := os.RemoveAll(w.path); err != nil {
		return fmt.Errorf("failed to cleanup workspace: %w", err)
	}

	w.removed = true
	slog.Debug("Cleaned up workspace", logfields.Path(w.path))
	return nil
}

// Sweep removes workspaces older than maxAge that no job of this manager
// still owns: leftovers of crashed runs or of failed cleanups. Age is the
// directory's modification time.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list workspace base directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), Prefix) || m.isLive(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(m.baseDir, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("Failed to remove stale workspace", logfields.Path(dir), logfields.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Removed stale workspaces", slog.Int("count", removed))
	}
	return removed, nil
}

// sanitize keeps identity-derived names to a safe character set.
func sanitize(identity string) string {
	if identity == "" {
		return "anonymous"
	}
	var b strings.Builder
	for _, r := range identity {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
