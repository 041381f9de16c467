package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"

	"git.home.luguber.info/inful/sketchrender/internal/drive"
)

// Result is the reply a peer receives for a submitted bundle.
type Result struct {
	Identity drive.Key
	ReplyKey drive.Key
	Files    map[string][]byte
}

// skipDirs are never uploaded.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// Submit uploads dir to the service at host (ws:// or wss://) under the
// identity of kp, waits for the reply archive and verifies every entry
// against the announced reply key.
func Submit(ctx context.Context, host, dir string, kp drive.KeyPair) (*Result, error) {
	files, err := readTree(dir)
	if err != nil {
		return nil, err
	}
	return SubmitFiles(ctx, host, kp, files)
}

// SubmitFiles uploads an in-memory tree, signing every entry with kp.
func SubmitFiles(ctx context.Context, host string, kp drive.KeyPair, files map[string][]byte) (*Result, error) {
	identity := kp.Public
	url := strings.TrimRight(host, "/") + "/" + identity.String()
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	defer func() { _ = ws.Close() }()
	ws.SetReadLimit(maxFrameSize)

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	var hello frame
	if err := ws.ReadJSON(&hello); err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("read handshake: %w", err))
	}
	if hello.Type != frameHandshake {
		return nil, fmt.Errorf("%w: expected handshake, got %q", ErrProtocol, hello.Type)
	}
	replyKey, err := drive.ParseKey(hello.ReplyKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	for _, p := range sortedKeys(files) {
		if err := ws.WriteJSON(frame{Type: frameEntry, Path: p, Data: files[p], Sig: kp.Sign(p, files[p])}); err != nil {
			return nil, ctxErr(ctx, fmt.Errorf("%w: send %s: %w", ErrReset, p, err))
		}
	}
	if err := ws.WriteJSON(frame{Type: frameCommit}); err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("%w: send commit: %w", ErrReset, err))
	}

	res := &Result{Identity: identity, ReplyKey: replyKey, Files: map[string][]byte{}}
	committed := false
	for {
		var f frame
		err := ws.ReadJSON(&f)
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure && committed {
				return res, nil
			}
			if errors.As(err, &ce) {
				return nil, fmt.Errorf("%w: %s", ErrReset, ce.Text)
			}
			if committed {
				return res, nil
			}
			return nil, ctxErr(ctx, fmt.Errorf("%w: %w", ErrReset, err))
		}
		switch f.Type {
		case frameEntry:
			if !drive.Verify(replyKey, f.Path, f.Data, f.Sig) {
				return nil, fmt.Errorf("%w: %s", ErrBadSignature, f.Path)
			}
			res.Files[f.Path] = f.Data
		case frameCommit:
			committed = true
		default:
			return nil, fmt.Errorf("%w: unexpected %q frame", ErrProtocol, f.Type)
		}
	}
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func readTree(dir string) (map[string][]byte, error) {
	files := map[string][]byte{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		// #nosec G304 - walking a directory chosen by the caller
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("read bundle %s: no files", dir)
	}
	return files, nil
}
