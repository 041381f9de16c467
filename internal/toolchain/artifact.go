package toolchain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"golang.org/x/net/html"
)

// Artifact is the single rendered HTML document of a job.
type Artifact struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Title  string `json:"title,omitempty"`
	SHA256 string `json:"sha256"`
}

// Inspect checks that path holds a non-empty HTML document and describes it.
func Inspect(path string) (Artifact, error) {
	// #nosec G304 - path is produced inside the job workspace
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %w", ErrInvalidArtifact, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Artifact{}, fmt.Errorf("%w: %s is empty", ErrInvalidArtifact, path)
	}
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %w", ErrInvalidArtifact, err)
	}
	sum := sha256.Sum256(data)
	return Artifact{
		Path:   path,
		Size:   int64(len(data)),
		Title:  findTitle(doc),
		SHA256: hex.EncodeToString(sum[:]),
	}, nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" {
		var b strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			}
		}
		return strings.TrimSpace(b.String())
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}
