package drive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
)

// Bundle is the read side of a remote, incrementally replicated file tree.
type Bundle interface {
	// Updates fires whenever new content becomes visible. Signals coalesce.
	Updates() <-chan struct{}
	// ReadDir lists a directory of the currently visible tree, sorted by name.
	ReadDir(dir string) ([]os.FileInfo, error)
	// Open returns a reader for a file of the currently visible tree.
	Open(path string) (io.ReadCloser, error)
}

// MemBundle is an in-memory Bundle. Staged entries become visible atomically on Commit.
type MemBundle struct {
	mu      sync.RWMutex
	fs      billy.Filesystem
	staged  map[string][]byte
	version int
	updates chan struct{}
}

// NewMemBundle creates an empty bundle.
func NewMemBundle() *MemBundle {
	return &MemBundle{
		fs:      memfs.New(),
		staged:  make(map[string][]byte),
		updates: make(chan struct{}, 1),
	}
}

// Stage queues a file write that becomes visible on the next Commit.
func (b *MemBundle) Stage(p string, data []byte) error {
	clean, err := CleanPath(p)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.staged[clean] = append([]byte(nil), data...)
	return nil
}

// Commit publishes staged entries and signals an update. It returns the new
// version; committing nothing leaves the version unchanged and signals nothing.
func (b *MemBundle) Commit() (int, error) {
	b.mu.Lock()
	if len(b.staged) == 0 {
		v := b.version
		b.mu.Unlock()
		return v, nil
	}
	for p, data := range b.staged {
		if err := util.WriteFile(b.fs, p, data, 0o644); err != nil {
			b.mu.Unlock()
			return b.version, fmt.Errorf("write %s: %w", p, err)
		}
	}
	b.staged = make(map[string][]byte)
	b.version++
	v := b.version
	b.mu.Unlock()

	select {
	case b.updates <- struct{}{}:
	default:
	}
	return v, nil
}

// Version returns the number of commits applied so far.
func (b *MemBundle) Version() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

func (b *MemBundle) Updates() <-chan struct{} { return b.updates }

func (b *MemBundle) ReadDir(dir string) ([]os.FileInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	infos, err := b.fs.ReadDir(rootRelative(dir))
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

// Open reads the whole file under the lock so a concurrent Commit cannot tear it.
func (b *MemBundle) Open(p string) (io.ReadCloser, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, err := util.ReadFile(b.fs, clean)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func rootRelative(dir string) string {
	if dir == "" || dir == "/" || dir == "." {
		return "/"
	}
	if clean, err := CleanPath(dir); err == nil {
		return clean
	}
	return dir
}
