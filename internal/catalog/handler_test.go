package catalog

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestHandlerServesCatalog(t *testing.T) {
	c, err := Open(testConfig(t))
	require.NoError(t, err)
	id := newIdentity(t)
	_, err = c.Publish(t.Context(), id, strings.NewReader("<html><title>Grid</title></html>"))
	require.NoError(t, err)

	h := c.Handler()

	code, body := get(t, h, "/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<h1>test catalog</h1>")
	assert.Contains(t, body, `href="/`+id.String()+`/"`)

	code, body = get(t, h, "/"+id.String()+"/index.html")
	// FileServer redirects explicit index.html to the directory
	if code == http.StatusMovedPermanently {
		code, body = get(t, h, "/"+id.String()+"/")
	}
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<title>Grid</title>")

	code, body = get(t, h, "/sketch/"+id.String())
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, id.String(), body)

	code, body = get(t, h, "/.well-known/sketchrender")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.HasPrefix(body, "sketchrender://"))
}

func TestHandlerHidesGitDirectory(t *testing.T) {
	c, err := Open(testConfig(t))
	require.NoError(t, err)
	h := c.Handler()

	for _, p := range []string{"/.git/HEAD", "/.git/sketchrender-key", "/a/.git/config"} {
		code, _ := get(t, h, p)
		assert.Equal(t, http.StatusNotFound, code, p)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHidden(t *testing.T) {
	assert.True(t, hidden("/.git"))
	assert.True(t, hidden("/x/.env"))
	assert.False(t, hidden("/.well-known/sketchrender"))
	assert.False(t, hidden("/abc/index.html"))
}
