package drive

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// Mirror materializes the currently visible tree of b into the local directory
// dest and returns the number of files written. The destination filesystem is
// bound to dest, so no bundle entry can be written outside of it.
func Mirror(ctx context.Context, b Bundle, dest string) (int, error) {
	out := osfs.New(dest, osfs.WithBoundOS())
	return mirrorDir(ctx, b, out, "/")
}

func mirrorDir(ctx context.Context, b Bundle, out billy.Filesystem, dir string) (int, error) {
	infos, err := b.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", dir, err)
	}

	n := 0
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rel, err := CleanPath(path.Join(dir, info.Name()))
		if err != nil {
			return n, err
		}
		if info.IsDir() {
			if err := out.MkdirAll(rel, 0o750); err != nil {
				return n, fmt.Errorf("mkdir %s: %w", rel, err)
			}
			c, err := mirrorDir(ctx, b, out, rel)
			n += c
			if err != nil {
				return n, err
			}
			continue
		}
		if err := copyFile(b, out, rel); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func copyFile(b Bundle, out billy.Filesystem, rel string) error {
	src, err := b.Open(rel)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer func() { _ = src.Close() }()

	if dir := path.Dir(rel); dir != "." {
		if err := out.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	dst, err := out.Create(rel)
	if err != nil {
		return fmt.Errorf("create %s: %w", rel, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy %s: %w", rel, err)
	}
	return dst.Close()
}
