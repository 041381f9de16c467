// Package retry retries transient network operations with a configurable
// backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/sketchrender/internal/config"
	rerrors "git.home.luguber.info/inful/sketchrender/internal/errors"
	"git.home.luguber.info/inful/sketchrender/internal/logfields"
)

// Policy is a backoff schedule. The zero Policy never retries.
type Policy struct {
	Mode       config.RetryBackoffMode
	Initial    time.Duration
	Max        time.Duration // cap for linear and exponential growth
	MaxRetries int           // retries after the first attempt
}

// DefaultPolicy is the schedule used for discovery announcements.
func DefaultPolicy() Policy {
	return Policy{
		Mode:       config.RetryBackoffExponential,
		Initial:    config.DefaultRetryInitial,
		Max:        config.DefaultRetryMax,
		MaxRetries: config.DefaultRetryMaxRetries,
	}
}

// FromConfig builds a policy from a retry section.
func FromConfig(c config.RetryConfig) Policy {
	return NewPolicy(c.Backoff, c.Initial, c.Max, c.MaxRetries)
}

// NewPolicy overlays the given fields on DefaultPolicy. Zero durations, a
// negative retry count and unknown modes keep the default.
func NewPolicy(mode config.RetryBackoffMode, initial, maxDelay time.Duration, maxRetries int) Policy {
	p := DefaultPolicy()
	if m := config.NormalizeRetryBackoff(string(mode)); m != "" {
		p.Mode = m
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	if maxRetries >= 0 {
		p.MaxRetries = maxRetries
	}
	p.Initial = min(p.Initial, p.Max)
	return p
}

// Delay is the wait before retry n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	var d time.Duration
	switch p.Mode {
	case config.RetryBackoffFixed:
		return p.Initial
	case config.RetryBackoffExponential:
		if n > 62 {
			return p.Max
		}
		d = p.Initial << (n - 1)
	default:
		d = p.Initial * time.Duration(n)
	}
	if d <= 0 || d > p.Max {
		return p.Max
	}
	return d
}

// Do calls fn until it succeeds, the retries are used up or ctx ends, and
// returns the last error. A categorized error that is not retryable ends the
// loop at once; unclassified errors are assumed transient.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	for n := 1; err != nil && n <= p.MaxRetries; n++ {
		if _, ok := rerrors.As(err); ok && !rerrors.IsRetryable(err) {
			return err
		}
		wait := p.Delay(n)
		slog.Debug("Retrying after transient failure",
			slog.Int("retry", n),
			slog.Duration("wait", wait),
			logfields.Error(err))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (after %d attempts: %w)", ctx.Err(), n, err)
		case <-t.C:
		}
		err = fn(ctx)
	}
	return err
}
