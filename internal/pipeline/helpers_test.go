package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/sketchrender/internal/catalog"
	"git.home.luguber.info/inful/sketchrender/internal/config"
	"git.home.luguber.info/inful/sketchrender/internal/discovery"
	"git.home.luguber.info/inful/sketchrender/internal/drive"
	"git.home.luguber.info/inful/sketchrender/internal/eventstore"
	"git.home.luguber.info/inful/sketchrender/internal/publisher"
	"git.home.luguber.info/inful/sketchrender/internal/toolchain"
	"git.home.luguber.info/inful/sketchrender/internal/workspace"
)

// fakeReply is an in-process reply channel.
type fakeReply struct {
	kp      drive.KeyPair
	sendErr error
	// dropOnSend makes a failing Send also tear the channel down.
	dropOnSend bool

	once      sync.Once
	done      chan struct{}
	mu        sync.Mutex
	peerErr   error
	sent      *drive.Archive
	destroyed error
}

func newReply(t *testing.T) *fakeReply {
	t.Helper()
	kp, err := drive.GenerateKeyPair()
	require.NoError(t, err)
	return &fakeReply{kp: kp, done: make(chan struct{})}
}

func (f *fakeReply) KeyPair() drive.KeyPair { return f.kp }
func (f *fakeReply) Done() <-chan struct{}  { return f.done }

func (f *fakeReply) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peerErr
}

func (f *fakeReply) Send(_ context.Context, a *drive.Archive) error {
	if f.sendErr != nil {
		if f.dropOnSend {
			f.disconnect(f.sendErr)
		}
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = a
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeReply) Destroy(cause error) {
	f.mu.Lock()
	f.destroyed = cause
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

// disconnect simulates the peer tearing the channel down.
func (f *fakeReply) disconnect(err error) {
	f.mu.Lock()
	f.peerErr = err
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func (f *fakeReply) sentArchive() *drive.Archive {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func (f *fakeReply) destroyCause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// funcStep is an in-process toolchain step.
type funcStep struct {
	stage toolchain.Stage
	run   func(ctx context.Context, in toolchain.Input) (string, error)
}

func (s funcStep) Name() toolchain.Stage { return s.stage }
func (s funcStep) Run(ctx context.Context, in toolchain.Input) (string, error) {
	return s.run(ctx, in)
}

func noopInstall() toolchain.Step {
	return funcStep{toolchain.StageInstall, func(context.Context, toolchain.Input) (string, error) { return "", nil }}
}

// copyBundle copies the entry point to _bundle/index.js.
func copyBundle() toolchain.Step {
	return funcStep{toolchain.StageBundle, func(_ context.Context, in toolchain.Input) (string, error) {
		data, err := os.ReadFile(in.Entry)
		if err != nil {
			return "", err
		}
		out := filepath.Join(in.Workspace, "_bundle", "index.js")
		if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
			return "", err
		}
		return out, os.WriteFile(out, data, 0o600)
	}}
}

// titleRender renders a page whose title is the bundled script's content.
func titleRender() toolchain.Step {
	return funcStep{toolchain.StageRender, func(_ context.Context, in toolchain.Input) (string, error) {
		data, err := os.ReadFile(in.Previous)
		if err != nil {
			return "", err
		}
		out := filepath.Join(in.Workspace, config.ArtifactName)
		page := fmt.Sprintf("<!doctype html><html><head><title>%s</title></head><body></body></html>", data)
		return out, os.WriteFile(out, []byte(page), 0o600)
	}}
}

func defaultSteps() []toolchain.Step {
	return []toolchain.Step{noopInstall(), copyBundle(), titleRender()}
}

type staticInvoker struct{ inv *toolchain.Invoker }

func (s staticInvoker) Current() *toolchain.Invoker { return s.inv }

type failingCatalog struct{}

func (failingCatalog) Publish(context.Context, drive.Key, io.Reader) (catalog.Record, error) {
	return catalog.Record{}, errors.New("disk full")
}

func (failingCatalog) Retract(context.Context, catalog.Record) (bool, error) {
	return false, errors.New("not published")
}

func (failingCatalog) DiscoveryKey() drive.Key { return drive.Key{} }

// stateLog collects observed transitions per job.
type stateLog struct {
	mu     sync.Mutex
	states map[string][]JobState
}

func (l *stateLog) OnStateChange(j Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.states == nil {
		l.states = make(map[string][]JobState)
	}
	l.states[j.ID] = append(l.states[j.ID], j.State)
}

func (l *stateLog) of(id string) []JobState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]JobState(nil), l.states[id]...)
}

type harness struct {
	pipeline   *Pipeline
	catalog    *catalog.Catalog
	wsBase     string
	states     *stateLog
	projection *eventstore.JobHistoryProjection
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	steps   []toolchain.Step
	catalog publisher.Catalog
	sync    config.SyncConfig
}

func withSteps(steps ...toolchain.Step) harnessOption {
	return func(c *harnessConfig) { c.steps = steps }
}

func withCatalog(c publisher.Catalog) harnessOption {
	return func(h *harnessConfig) { h.catalog = c }
}

func withSync(s config.SyncConfig) harnessOption {
	return func(c *harnessConfig) { c.sync = s }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cat, err := catalog.Open(config.CatalogConfig{Dir: filepath.Join(t.TempDir(), "catalog"), Title: "test", TTL: 60})
	require.NoError(t, err)

	hc := harnessConfig{
		steps:   defaultSteps(),
		catalog: cat,
		sync:    config.SyncConfig{Timeout: 2 * time.Second},
	}
	for _, o := range opts {
		o(&hc)
	}

	store, err := eventstore.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	proj := eventstore.NewJobHistoryProjection(store, 50)

	base := filepath.Join(t.TempDir(), "workspaces")
	states := &stateLog{}
	p := New(Deps{
		Workspaces: workspace.NewManager(base),
		Toolchain:  staticInvoker{toolchain.NewInvokerWithSteps(4, hc.steps...)},
		Publisher:  publisher.New(hc.catalog, discovery.NoopSwarm{}),
		Sync:       hc.sync,
	}).WithObserver(states).WithEmitter(eventstore.NewEmitter(store, proj))

	return &harness{pipeline: p, catalog: cat, wsBase: base, states: states, projection: proj}
}

// bundle returns a committed bundle holding files.
func bundle(t *testing.T, files map[string]string) *drive.MemBundle {
	t.Helper()
	b := drive.NewMemBundle()
	for p, c := range files {
		require.NoError(t, b.Stage(p, []byte(c)))
	}
	_, err := b.Commit()
	require.NoError(t, err)
	return b
}

func newIdentity(t *testing.T) drive.Key {
	t.Helper()
	kp, err := drive.GenerateKeyPair()
	require.NoError(t, err)
	return kp.Public
}

func reference(jobID string, id drive.Key, b drive.Bundle, reply ReplyChannel) BundleReference {
	return BundleReference{ID: jobID, Identity: id, Bundle: b, Reply: reply, RemoteAddr: "127.0.0.1:9000"}
}

// requireNoWorkspaces asserts every job workspace was removed.
func (h *harness) requireNoWorkspaces(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.wsBase)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	require.Empty(t, entries, "workspaces left behind")
}

// bundleNeverCommitted returns a bundle that never signals content.
func bundleNeverCommitted() *drive.MemBundle {
	return drive.NewMemBundle()
}
