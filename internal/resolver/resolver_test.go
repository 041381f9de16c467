package resolver

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	}
	return root
}

func TestResolveOrder(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  string
		rule  string
	}{
		{
			name: "manifest main wins over main.js",
			files: map[string]string{
				"package.json": `{"main":"index.js"}`,
				"index.js":     "",
				"main.js":      "",
			},
			want: "index.js",
			rule: RuleManifest,
		},
		{
			name: "manifest main in subdirectory",
			files: map[string]string{
				"package.json": `{"main":"src/sketch.js"}`,
				"src/sketch.js": "",
				"index.js":      "",
			},
			want: "src/sketch.js",
			rule: RuleManifest,
		},
		{
			name: "manifest main missing falls back to index",
			files: map[string]string{
				"package.json": `{"main":"gone.js"}`,
				"index.js":     "",
			},
			want: "index.js",
			rule: RuleIndex,
		},
		{
			name: "manifest without main falls back to main.js",
			files: map[string]string{
				"package.json": `{"name":"sketch"}`,
				"main.js":      "",
				"other.js":     "",
			},
			want: "main.js",
			rule: RuleMain,
		},
		{
			name: "invalid manifest json is ignored",
			files: map[string]string{
				"package.json": `{`,
				"index.js":     "",
			},
			want: "index.js",
			rule: RuleIndex,
		},
		{
			name:  "single file without conventional name",
			files: map[string]string{"sketch.js": ""},
			want:  "sketch.js",
			rule:  RuleSingleFile,
		},
		{
			name:  "single non-script file",
			files: map[string]string{"README": ""},
			want:  "README",
			rule:  RuleSingleFile,
		},
		{
			name: "first script in lexicographic order",
			files: map[string]string{
				"zebra.js":  "",
				"apple.js":  "",
				"notes.txt": "",
			},
			want: "apple.js",
			rule: RuleFirstFound,
		},
		{
			name: "manifest main escaping root is ignored",
			files: map[string]string{
				"package.json": `{"main":"../outside.js"}`,
				"b.js":         "",
				"a.txt":        "",
			},
			want: "b.js",
			rule: RuleFirstFound,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			root := writeTree(t, tc.files)
			ep, err := Resolve(root)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(root, filepath.FromSlash(tc.want)), ep.Path)
			assert.Equal(t, tc.rule, ep.Rule)
		})
	}
}

func TestResolveNotFound(t *testing.T) {
	cases := map[string]map[string]string{
		"empty":              {},
		"no scripts":         {"a.txt": "", "b.css": ""},
		"single directory":   {"lib/x.js": ""},
		"directory named js": {"dir.js/inner.txt": "", "readme.md": ""},
	}
	for name, files := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Resolve(writeTree(t, files))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestResolveMissingRoot(t *testing.T) {
	_, err := Resolve(filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveNeverLeavesRoot(t *testing.T) {
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "evil.js"), []byte(""), 0o600))

	root := writeTree(t, map[string]string{"package.json": `{"main":"link.js"}`, "notes.txt": ""})
	if err := os.Symlink(filepath.Join(outside, "evil.js"), filepath.Join(root, "link.js")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	ep, err := Resolve(root)
	if err == nil {
		assert.True(t, strings.HasPrefix(ep.Path, root+string(filepath.Separator)))
		assert.NotEqual(t, filepath.Join(root, "link.js"), ep.Path)
	} else {
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	root := writeTree(t, map[string]string{"c.js": "", "b.js": "", "a.js": "", "x.txt": ""})
	first, err := Resolve(root)
	require.NoError(t, err)
	for range 10 {
		again, err := Resolve(root)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
