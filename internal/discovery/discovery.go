// Package discovery announces the catalog to the swarm so peers can find it.
//
// Membership records are kept in a NATS JetStream key-value bucket keyed by
// the catalog's discovery key, and every announcement is also published on
// <subject>.<discovery key> for live listeners. Joined keys are re-announced on
// a fixed interval so records of a running service never go stale.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/sketchrender/internal/drive"
	"git.home.luguber.info/inful/sketchrender/internal/logfields"
	"git.home.luguber.info/inful/sketchrender/internal/retry"
)

// ErrNotJoined is returned by Rejoin for keys that were never joined.
var ErrNotJoined = errors.New("discovery key not joined")

// Swarm is the membership collaborator of the service.
type Swarm interface {
	// Join starts announcing the catalog key under discoveryKey.
	Join(ctx context.Context, key, discoveryKey drive.Key) error
	// Rejoin re-announces a joined discovery key, typically after new content.
	Rejoin(ctx context.Context, discoveryKey drive.Key) error
	Close() error
}

// Announcement is the membership record of one catalog.
type Announcement struct {
	Key          string    `json:"key"`
	DiscoveryKey string    `json:"discovery_key"`
	Address      string    `json:"address,omitempty"`
	TTL          int       `json:"ttl"`
	AnnouncedAt  time.Time `json:"announced_at"`
}

// Backend stores membership records and fans them out to listeners.
type Backend interface {
	Put(ctx context.Context, key string, value []byte) error
	Publish(subject string, data []byte) error
	Close() error
}

// Options tune an Announcer.
type Options struct {
	Subject  string
	Address  string
	TTL      int           // seconds advertised with each record
	Interval time.Duration // re-announce period; zero disables the heartbeat
	Retry    retry.Policy  // applied to each backend write
}

// Announcer implements Swarm on top of a Backend.
type Announcer struct {
	backend Backend
	opts    Options
	sched   gocron.Scheduler

	mu     sync.Mutex
	joined map[drive.Key]drive.Key // discovery key -> catalog key
	closed bool
}

// NewAnnouncer creates an Announcer and starts its heartbeat.
func NewAnnouncer(backend Backend, opts Options) (*Announcer, error) {
	a := &Announcer{backend: backend, opts: opts, joined: map[drive.Key]drive.Key{}}
	if opts.Interval <= 0 {
		return a, nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if _, err := s.NewJob(
		gocron.DurationJob(opts.Interval),
		gocron.NewTask(a.heartbeat),
		gocron.WithName("discovery-announce"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("failed to create announce job: %w", err)
	}
	s.Start()
	a.sched = s
	return a, nil
}

// Join implements Swarm.
func (a *Announcer) Join(ctx context.Context, key, discoveryKey drive.Key) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("swarm closed")
	}
	a.joined[discoveryKey] = key
	a.mu.Unlock()

	slog.Info("Joining swarm",
		slog.String("key", key.String()),
		slog.String("discovery_key", discoveryKey.String()))
	return a.announce(ctx, key, discoveryKey)
}

// Rejoin implements Swarm.
func (a *Announcer) Rejoin(ctx context.Context, discoveryKey drive.Key) error {
	a.mu.Lock()
	key, ok := a.joined[discoveryKey]
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return fmt.Errorf("swarm closed")
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotJoined, discoveryKey)
	}
	return a.announce(ctx, key, discoveryKey)
}

func (a *Announcer) heartbeat() {
	a.mu.Lock()
	joined := make(map[drive.Key]drive.Key, len(a.joined))
	for dk, k := range a.joined {
		joined[dk] = k
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for dk, k := range joined {
		if err := a.announce(ctx, k, dk); err != nil {
			slog.Warn("Re-announce failed",
				slog.String("discovery_key", dk.String()),
				logfields.Error(err))
		}
	}
}

func (a *Announcer) announce(ctx context.Context, key, discoveryKey drive.Key) error {
	data, err := json.Marshal(Announcement{
		Key:          key.String(),
		DiscoveryKey: discoveryKey.String(),
		Address:      a.opts.Address,
		TTL:          a.opts.TTL,
		AnnouncedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := a.opts.Retry.Do(ctx, func(ctx context.Context) error {
		return a.backend.Put(ctx, discoveryKey.String(), data)
	}); err != nil {
		return fmt.Errorf("store announcement: %w", err)
	}
	if err := a.opts.Retry.Do(ctx, func(context.Context) error {
		return a.backend.Publish(Subject(a.opts.Subject, discoveryKey), data)
	}); err != nil {
		return fmt.Errorf("publish announcement: %w", err)
	}
	slog.Debug("Announced catalog", slog.String("discovery_key", discoveryKey.String()))
	return nil
}

// Close stops the heartbeat and releases the backend.
func (a *Announcer) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	var errs []error
	if a.sched != nil {
		errs = append(errs, a.sched.Shutdown())
	}
	errs = append(errs, a.backend.Close())
	return errors.Join(errs...)
}

// Subject is the live announcement subject for discoveryKey.
func Subject(base string, discoveryKey drive.Key) string {
	return base + "." + discoveryKey.String()
}

// NoopSwarm is used when discovery is disabled.
type NoopSwarm struct{}

func (NoopSwarm) Join(context.Context, drive.Key, drive.Key) error { return nil }
func (NoopSwarm) Rejoin(context.Context, drive.Key) error          { return nil }
func (NoopSwarm) Close() error                                     { return nil }
