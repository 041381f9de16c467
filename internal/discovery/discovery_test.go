package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/sketchrender/internal/config"
	"git.home.luguber.info/inful/sketchrender/internal/drive"
	"git.home.luguber.info/inful/sketchrender/internal/retry"
)

type fakeBackend struct {
	mu        sync.Mutex
	records   map[string][]byte
	published map[string]int
	putErr    error
	failPuts  int // fail this many puts before succeeding
	puts      int
	closed    bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: map[string][]byte{}, published: map[string]int{}}
}

func (f *fakeBackend) Put(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	if f.failPuts > 0 {
		f.failPuts--
		return errors.New("kv unavailable")
	}
	f.records[key] = value
	return nil
}

func (f *fakeBackend) Publish(subject string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[subject]++
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) publishCount(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[subject]
}

func keys(t *testing.T) (drive.Key, drive.Key) {
	t.Helper()
	a, err := drive.GenerateKeyPair()
	require.NoError(t, err)
	b, err := drive.GenerateKeyPair()
	require.NoError(t, err)
	return a.Public, b.Public
}

func TestJoinAndRejoinAnnounce(t *testing.T) {
	backend := newFakeBackend()
	a, err := NewAnnouncer(backend, Options{Subject: "sketchrender.announce", Address: "http://render:3000", TTL: 25920})
	require.NoError(t, err)
	key, dk := keys(t)

	require.NoError(t, a.Join(t.Context(), key, dk))
	require.NoError(t, a.Rejoin(t.Context(), dk))

	var rec Announcement
	require.NoError(t, json.Unmarshal(backend.records[dk.String()], &rec))
	assert.Equal(t, key.String(), rec.Key)
	assert.Equal(t, dk.String(), rec.DiscoveryKey)
	assert.Equal(t, "http://render:3000", rec.Address)
	assert.Equal(t, 25920, rec.TTL)
	assert.Equal(t, 2, backend.publishCount(Subject("sketchrender.announce", dk)))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.True(t, backend.closed)
	assert.Error(t, a.Rejoin(t.Context(), dk))
}

func TestRejoinUnknownKey(t *testing.T) {
	a, err := NewAnnouncer(newFakeBackend(), Options{Subject: "s"})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	_, dk := keys(t)
	require.ErrorIs(t, a.Rejoin(t.Context(), dk), ErrNotJoined)
}

func TestBackendErrorsSurface(t *testing.T) {
	backend := newFakeBackend()
	backend.putErr = errors.New("bucket gone")
	a, err := NewAnnouncer(backend, Options{Subject: "s"})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	key, dk := keys(t)
	err = a.Join(t.Context(), key, dk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
}

func TestTransientFailuresAreRetried(t *testing.T) {
	backend := newFakeBackend()
	backend.failPuts = 2
	a, err := NewAnnouncer(backend, Options{
		Subject: "s",
		Retry:   retry.NewPolicy(config.RetryBackoffFixed, time.Millisecond, time.Millisecond, 2),
	})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	key, dk := keys(t)
	require.NoError(t, a.Join(t.Context(), key, dk))
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 3, backend.puts)
	assert.Contains(t, backend.records, dk.String())
}

func TestHeartbeatReannounces(t *testing.T) {
	backend := newFakeBackend()
	a, err := NewAnnouncer(backend, Options{Subject: "s", Interval: 50 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	key, dk := keys(t)
	require.NoError(t, a.Join(t.Context(), key, dk))

	require.Eventually(t, func() bool {
		return backend.publishCount(Subject("s", dk)) >= 3
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewFallsBackToNoop(t *testing.T) {
	disabled := config.DiscoveryConfig{Enabled: config.Bool(false)}
	assert.IsType(t, NoopSwarm{}, New(t.Context(), disabled, 60))

	unreachable := config.DiscoveryConfig{NATSURL: "nats://127.0.0.1:1", Subject: "s", KVBucket: "b"}
	assert.IsType(t, NoopSwarm{}, New(t.Context(), unreachable, 60))
}

func TestNoopSwarm(t *testing.T) {
	var s Swarm = NoopSwarm{}
	key, dk := keys(t)
	assert.NoError(t, s.Join(t.Context(), key, dk))
	assert.NoError(t, s.Rejoin(t.Context(), dk))
	assert.NoError(t, s.Close())
}
