package drive

import (
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
)

// Archive is a writable response store identified by a reply key.
type Archive struct {
	key Key
	fs  billy.Filesystem
}

// NewArchive creates an empty archive for key.
func NewArchive(key Key) *Archive {
	return &Archive{key: key, fs: memfs.New()}
}

// Key returns the reply key that identifies the archive.
func (a *Archive) Key() Key { return a.key }

// Create opens a new file for writing, truncating any previous content.
func (a *Archive) Create(p string) (io.WriteCloser, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	if dir := path.Dir(clean); dir != "." {
		if err := a.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return a.fs.Create(clean)
}

// ReadFile returns the content of one archive file.
func (a *Archive) ReadFile(p string) ([]byte, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	return util.ReadFile(a.fs, clean)
}

// Walk calls fn for every file in lexicographic path order.
func (a *Archive) Walk(fn func(p string, data []byte) error) error {
	var paths []string
	if err := a.collect("/", &paths); err != nil {
		return err
	}
	sort.Strings(paths)
	for _, p := range paths {
		data, err := util.ReadFile(a.fs, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		if err := fn(p, data); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) collect(dir string, out *[]string) error {
	infos, err := a.fs.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	for _, info := range infos {
		p := path.Join(dir, info.Name())
		if info.IsDir() {
			if err := a.collect(p, out); err != nil {
				return err
			}
			continue
		}
		clean, _ := CleanPath(p)
		*out = append(*out, clean)
	}
	return nil
}
