package drive

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanPath(t *testing.T) {
	ok := map[string]string{
		"index.js":        "index.js",
		"/src/app.js":     "src/app.js",
		"src//lib/./a.js": "src/lib/a.js",
		"dir\\win.js":     "dir/win.js",
	}
	for in, want := range ok {
		got, err := CleanPath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, bad := range []string{"", "/", "../x.js", "a/../../x", "a\x00b"} {
		_, err := CleanPath(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestMemBundleCommitMakesContentVisible(t *testing.T) {
	b := NewMemBundle()
	require.NoError(t, b.Stage("index.js", []byte("console.log(1)")))

	infos, err := b.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, infos, "staged content must stay invisible")
	select {
	case <-b.Updates():
		t.Fatal("no update expected before commit")
	default:
	}

	v, err := b.Commit()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	select {
	case <-b.Updates():
	default:
		t.Fatal("expected an update signal after commit")
	}

	r, err := b.Open("index.js")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(data))

	// Empty commit keeps the version and does not signal.
	v, err = b.Commit()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, b.Version())
}

func TestMemBundleRejectsEscapingPaths(t *testing.T) {
	b := NewMemBundle()
	require.Error(t, b.Stage("../evil.js", []byte("x")))
}

func TestMirrorCopiesNestedTree(t *testing.T) {
	b := NewMemBundle()
	require.NoError(t, b.Stage("package.json", []byte(`{"main":"src/app.js"}`)))
	require.NoError(t, b.Stage("src/app.js", []byte("app")))
	require.NoError(t, b.Stage("src/lib/util.js", []byte("util")))
	_, err := b.Commit()
	require.NoError(t, err)

	dest := t.TempDir()
	n, err := Mirror(t.Context(), b, dest)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data, err := os.ReadFile(filepath.Join(dest, "src", "lib", "util.js"))
	require.NoError(t, err)
	assert.Equal(t, "util", string(data))
	assert.FileExists(t, filepath.Join(dest, "package.json"))
}

func TestMirrorHonoursCancellation(t *testing.T) {
	b := NewMemBundle()
	require.NoError(t, b.Stage("a.js", []byte("a")))
	_, err := b.Commit()
	require.NoError(t, err)

	ctx, cancel := contextWithCancel(t)
	cancel()
	_, err = Mirror(ctx, b, t.TempDir())
	require.Error(t, err)
}

func TestArchiveWalkIsSorted(t *testing.T) {
	a := NewArchive(Key{1})
	for _, p := range []string{"z.txt", "index.html", "assets/a.css"} {
		w, err := a.Create(p)
		require.NoError(t, err)
		_, err = w.Write([]byte(p))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	var seen []string
	require.NoError(t, a.Walk(func(p string, data []byte) error {
		seen = append(seen, p)
		assert.Equal(t, p, string(data))
		return nil
	}))
	assert.Equal(t, []string{"assets/a.css", "index.html", "z.txt"}, seen)

	data, err := a.ReadFile("/index.html")
	require.NoError(t, err)
	assert.Equal(t, "index.html", string(data))
}

func TestKeys(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	parsed, err := ParseKey(kp.Public.String())
	require.NoError(t, err)
	assert.Equal(t, kp.Public, parsed)
	assert.False(t, parsed.IsZero())

	sig := kp.Sign("index.html", []byte("<html>"))
	assert.True(t, Verify(kp.Public, "index.html", []byte("<html>"), sig))
	assert.False(t, Verify(kp.Public, "index.html", []byte("<html >"), sig))
	assert.False(t, Verify(kp.Public, "other.html", []byte("<html>"), sig))

	_, err = ParseKey("abc")
	require.Error(t, err)
	_, err = ParseKey(string(make([]byte, 64)))
	require.Error(t, err)

	seed := make([]byte, 32)
	a, err := KeyPairFromSeed(seed)
	require.NoError(t, err)
	b, err := KeyPairFromSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, a.Public, b.Public)
}

func TestLoadOrCreateKeyPairPersists(t *testing.T) {
	p := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, err := LoadOrCreateKeyPair(p)
	require.NoError(t, err)
	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateKeyPair(p)
	require.NoError(t, err)
	assert.Equal(t, first.Public, second.Public)
	sig := second.Sign("index.js", []byte("x"))
	assert.True(t, Verify(first.Public, "index.js", []byte("x"), sig))

	require.NoError(t, os.WriteFile(p, []byte("not hex"), 0o600))
	_, err = LoadOrCreateKeyPair(p)
	require.Error(t, err)
}
