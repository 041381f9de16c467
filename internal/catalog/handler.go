package catalog

import (
	"bytes"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"git.home.luguber.info/inful/sketchrender/internal/logfields"
)

// Handler serves the catalog worktree over HTTP and renders a browsable index
// at "/". The git directory is never exposed.
func (c *Catalog) Handler() http.Handler {
	files := http.FileServer(http.Dir(c.dir))
	md := goldmark.New()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if hidden(r.URL.Path) {
			http.NotFound(w, r)
			return
		}
		if r.URL.Path == "/" {
			c.serveIndex(w, r, md)
			return
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		files.ServeHTTP(w, r)
	})
}

// hidden rejects the git directory and any other dot entry except .well-known.
func hidden(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if strings.HasPrefix(seg, ".") && seg != ".well-known" {
			return true
		}
	}
	return false
}

func (c *Catalog) serveIndex(w http.ResponseWriter, r *http.Request, md goldmark.Markdown) {
	keys, err := c.List()
	if err != nil {
		slog.Error("Failed to list catalog", logfields.Error(err))
		http.Error(w, "catalog unavailable", http.StatusInternalServerError)
		return
	}

	var src bytes.Buffer
	fmt.Fprintf(&src, "# %s\n\n%s\n\n", c.cfg.Title, c.description())
	fmt.Fprintf(&src, "Catalog key: `%s`\n\n", c.key.Public)
	if len(keys) == 0 {
		src.WriteString("No sketches published yet.\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&src, "- [%s](/%s/)\n", k, k)
	}

	var body bytes.Buffer
	if err := md.Convert(src.Bytes(), &body); err != nil {
		slog.Error("Failed to render catalog index", logfields.Error(err))
		http.Error(w, "catalog unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if r.Method == http.MethodHead {
		return
	}
	fmt.Fprintf(w, "<!doctype html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head><body>\n%s</body></html>\n",
		html.EscapeString(c.cfg.Title), body.String())
}
