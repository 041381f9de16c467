package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"git.home.luguber.info/inful/sketchrender/internal/drive"
	rerrors "git.home.luguber.info/inful/sketchrender/internal/errors"
	"git.home.luguber.info/inful/sketchrender/internal/publisher"
	"git.home.luguber.info/inful/sketchrender/internal/transport"
)

// SubmitCmd implements the 'submit' command.
type SubmitCmd struct {
	Dir     string        `arg:"" help:"Sketch directory to upload" type:"existingdir"`
	Host    string        `help:"Render service websocket URL" default:"ws://127.0.0.1:3000"`
	Output  string        `short:"o" help:"Where to write the rendered document" default:"index.html" type:"path"`
	Timeout time.Duration `help:"Give up after this long" default:"10m"`
	Key     string        `help:"Identity key file, created on first use" default:"~/.sketchrender/identity.key" type:"path"`
}

func (s *SubmitCmd) Run(_ *Global, _ *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, s.Timeout)
	defer cancelTimeout()

	kp, err := drive.LoadOrCreateKeyPair(s.Key)
	if err != nil {
		return rerrors.ValidationFailed("key", err.Error()).WithContext("path", s.Key)
	}
	res, err := transport.Submit(ctx, s.Host, s.Dir, kp)
	if err != nil {
		return rerrors.Transport(err).WithContext("host", s.Host)
	}
	page, ok := res.Files[publisher.ReplyFile]
	if !ok {
		return rerrors.Transport(fmt.Errorf("reply holds no %s", publisher.ReplyFile))
	}
	if dir := filepath.Dir(s.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return rerrors.WorkspaceError("create output directory", err)
		}
	}
	if err := os.WriteFile(s.Output, page, 0o600); err != nil {
		return rerrors.WorkspaceError("write output", err)
	}
	fmt.Printf("Rendered %s (identity %s) to %s\n", s.Dir, res.Identity, s.Output)
	return nil
}
