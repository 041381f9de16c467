package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.home.luguber.info/inful/sketchrender/internal/config"
	"git.home.luguber.info/inful/sketchrender/internal/drive"
)

// ErrSyncTimeout is returned when a bundle never signals content.
var ErrSyncTimeout = errors.New("no bundle content before timeout")

// waitForContent blocks until the bundle signals its first update. With a
// settle window it then waits until updates stop arriving for that long; the
// overall timeout still bounds the wait, after which the visible content is
// used as is.
func waitForContent(ctx context.Context, b drive.Bundle, cfg config.SyncConfig) error {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultSyncTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-b.Updates():
	case <-deadline.C:
		return fmt.Errorf("%w (%s)", ErrSyncTimeout, timeout)
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	if cfg.Settle <= 0 {
		return nil
	}
	quiet := time.NewTimer(cfg.Settle)
	defer quiet.Stop()
	for {
		select {
		case <-b.Updates():
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(cfg.Settle)
		case <-quiet.C:
			return nil
		case <-deadline.C:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}
