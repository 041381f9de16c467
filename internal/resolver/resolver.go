// Package resolver determines the program entry point of a materialized bundle.
//
// Resolution order, first match wins:
//
//  1. the "main" field of package.json, when it names an existing file
//  2. index.js
//  3. main.js
//  4. the only entry of the root, when it is a regular file
//  5. the first .js file of the root in lexicographic order
//
// The result is always an absolute path inside the workspace root.
package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"git.home.luguber.info/inful/sketchrender/internal/logfields"
)

// ErrNotFound is returned when no rule yields an entry point.
var ErrNotFound = errors.New("no entry point found")

// Rule names, reported with the resolved entry point.
const (
	RuleManifest   = "manifest_main"
	RuleIndex      = "index"
	RuleMain       = "main"
	RuleSingleFile = "single_file"
	RuleFirstFound = "first_script"
)

const (
	manifestName = "package.json"
	indexName    = "index.js"
	mainName     = "main.js"
	scriptExt    = ".js"
)

// EntryPoint is the resolved program root of a build.
type EntryPoint struct {
	Path string // absolute, inside the workspace root
	Rule string // which resolution rule matched
}

// Resolve applies the resolution order to root.
func Resolve(root string) (EntryPoint, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return EntryPoint{}, fmt.Errorf("resolve root: %w", err)
	}
	abs = filepath.Clean(abs)

	if p, ok := fromManifest(abs); ok {
		return EntryPoint{Path: p, Rule: RuleManifest}, nil
	}
	if p, ok := regularFile(abs, indexName); ok {
		return EntryPoint{Path: p, Rule: RuleIndex}, nil
	}
	if p, ok := regularFile(abs, mainName); ok {
		return EntryPoint{Path: p, Rule: RuleMain}, nil
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return EntryPoint{}, fmt.Errorf("%w: list %s: %w", ErrNotFound, abs, err)
	}
	if len(entries) == 1 {
		if p, ok := regularFile(abs, entries[0].Name()); ok {
			return EntryPoint{Path: p, Rule: RuleSingleFile}, nil
		}
	}

	// os.ReadDir already sorts by name; sort again so the contract does not
	// depend on that implementation detail.
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		if filepath.Ext(name) != scriptExt {
			continue
		}
		if p, ok := regularFile(abs, name); ok {
			return EntryPoint{Path: p, Rule: RuleFirstFound}, nil
		}
	}

	return EntryPoint{}, ErrNotFound
}

type manifest struct {
	Main string `json:"main"`
}

func fromManifest(root string) (string, bool) {
	p, ok := regularFile(root, manifestName)
	if !ok {
		return "", false
	}
	// #nosec G304 - path is contained in the workspace root
	data, err := os.ReadFile(p)
	if err != nil {
		slog.Debug("Unreadable manifest", logfields.Path(p), logfields.Error(err))
		return "", false
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Debug("Invalid manifest", logfields.Path(p), logfields.Error(err))
		return "", false
	}
	if strings.TrimSpace(m.Main) == "" || filepath.IsAbs(m.Main) {
		return "", false
	}
	return regularFile(root, filepath.FromSlash(m.Main))
}

// regularFile joins rel onto root and accepts it only if it stays inside root,
// after resolving symlinks, and is a regular file.
func regularFile(root, rel string) (string, bool) {
	p := filepath.Join(root, rel)
	if !contained(root, p) {
		return "", false
	}
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", false
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil || !contained(realRoot, real) {
		return "", false
	}
	info, err := os.Stat(real)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

func contained(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}
