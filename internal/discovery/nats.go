package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/sketchrender/internal/config"
	"git.home.luguber.info/inful/sketchrender/internal/logfields"
	"git.home.luguber.info/inful/sketchrender/internal/retry"
)

// natsBackend keeps membership in a JetStream KV bucket and publishes live
// announcements on core NATS.
type natsBackend struct {
	conn *nats.Conn
	kv   jetstream.KeyValue
}

// Put implements Backend.
func (b *natsBackend) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	return err
}

// Publish implements Backend.
func (b *natsBackend) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

// Close implements Backend.
func (b *natsBackend) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}

// ConnectNATS dials the configured server and opens the membership bucket.
func ConnectNATS(ctx context.Context, cfg config.DiscoveryConfig, ttl int) (*Announcer, error) {
	conn, err := nats.Connect(cfg.NATSURL, nats.Name("sketchrender"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kvCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	kv, err := js.KeyValue(kvCtx, cfg.KVBucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(kvCtx, jetstream.KeyValueConfig{
			Bucket:      cfg.KVBucket,
			Description: "sketchrender catalog membership",
			History:     1,
			TTL:         time.Duration(ttl) * time.Second,
		})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize KV bucket: %w", err)
	}

	slog.Info("NATS discovery initialized",
		logfields.URL(cfg.NATSURL),
		slog.String("subject", cfg.Subject),
		slog.String("kv_bucket", cfg.KVBucket))

	return NewAnnouncer(&natsBackend{conn: conn, kv: kv}, Options{
		Subject:  cfg.Subject,
		Address:  cfg.AdvertiseAddress,
		TTL:      ttl,
		Interval: cfg.AnnounceInterval,
		Retry:    retry.FromConfig(cfg.Retry),
	})
}

// New returns the swarm the service should use: NoopSwarm when discovery is
// disabled or the NATS server cannot be reached.
func New(ctx context.Context, cfg config.DiscoveryConfig, ttl int) Swarm {
	if !cfg.IsEnabled() {
		slog.Info("Discovery disabled")
		return NoopSwarm{}
	}
	a, err := ConnectNATS(ctx, cfg, ttl)
	if err != nil {
		slog.Warn("Discovery unavailable, continuing without swarm membership",
			logfields.URL(cfg.NATSURL),
			logfields.Error(err))
		return NoopSwarm{}
	}
	return a
}
