package drive

import (
	"fmt"
	"path"
	"strings"
)

// CleanPath normalizes a drive path to a slash separated, relative form and
// rejects anything that could escape the drive root.
func CleanPath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("invalid path %q", p)
	}
	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes drive root", p)
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" {
		return "", fmt.Errorf("empty path")
	}
	return clean, nil
}
