package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/sketchrender/internal/catalog"
	"git.home.luguber.info/inful/sketchrender/internal/config"
	"git.home.luguber.info/inful/sketchrender/internal/drive"
	"git.home.luguber.info/inful/sketchrender/internal/eventstore"
	"git.home.luguber.info/inful/sketchrender/internal/publisher"
	"git.home.luguber.info/inful/sketchrender/internal/server/responses"
	"git.home.luguber.info/inful/sketchrender/internal/transport"
)

func script(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts require a unix shell")
	}
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o700)) // #nosec G306 - test script must be executable
	return p
}

const renderOK = `printf '<!doctype html><html><head><title>Rendered</title></head><body><script src="%s"></script></body></html>' "$1" > _index.html`

func testConfig(t *testing.T, renderBody string) *config.Config {
	t.Helper()
	bin := t.TempDir()
	data := t.TempDir()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Catalog.Dir = filepath.Join(data, "catalog")
	cfg.Workspace.BaseDir = filepath.Join(data, "workspaces")
	cfg.Events.DBPath = ":memory:"
	cfg.Discovery.Enabled = config.Bool(false)
	cfg.Sync.Timeout = 5 * time.Second
	cfg.Toolchain = config.ToolchainConfig{
		MaxConcurrent: 2,
		Install:       config.CommandSpec{Command: script(t, bin, "install", "true"), Timeout: 10 * time.Second},
		Bundle: config.CommandSpec{
			Command: script(t, bin, "bundle", `mkdir -p "$(dirname "$2")" && cp "$1" "$2"`),
			Args:    []string{"{entry}", "{output}"},
			Output:  "_bundle/index.js",
			Timeout: 10 * time.Second,
		},
		Render: config.CommandSpec{
			Command: script(t, bin, "render", renderBody),
			Args:    []string{"{input}"},
			Output:  config.ArtifactName,
			Timeout: 10 * time.Second,
		},
	}
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) (*Server, string) {
	t.Helper()
	s, err := New(t.Context(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(t.Context()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, s.Addr().String()
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url) // #nosec G107 - test server URL
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func newIdentity(t *testing.T) drive.KeyPair {
	t.Helper()
	kp, err := drive.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestSubmitRendersAndPublishes(t *testing.T) {
	s, addr := startServer(t, testConfig(t, renderOK))
	kp := newIdentity(t)
	id := kp.Public

	res, err := transport.SubmitFiles(t.Context(), "ws://"+addr, kp, map[string][]byte{
		"index.js": []byte("console.log('sketch')"),
	})
	require.NoError(t, err)
	page := string(res.Files[publisher.ReplyFile])
	assert.Contains(t, page, "<title>Rendered</title>")

	stored, err := s.Catalog().ReadArtifact(id)
	require.NoError(t, err)
	assert.Equal(t, page, string(stored))

	// the catalog is served over HTTP
	resp, err := http.Get(fmt.Sprintf("http://%s/%s/index.html", addr, id)) // #nosec G107 - test server URL
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, page, string(body))

	require.Eventually(t, func() bool {
		var list responses.JobListResponse
		return getJSON(t, "http://"+addr+"/jobs", &list) == http.StatusOK &&
			len(list.History) == 1 && list.History[0].Status == eventstore.JobStatusDone
	}, 5*time.Second, 20*time.Millisecond)

	var list responses.JobListResponse
	getJSON(t, "http://"+addr+"/jobs", &list)
	var job responses.JobResponse
	require.Equal(t, http.StatusOK, getJSON(t, "http://"+addr+"/jobs/"+list.History[0].JobID, &job))
	require.NotNil(t, job.Summary)
	assert.Equal(t, id.String(), job.Summary.Identity)
	assert.NotEmpty(t, job.Events)
	assert.Equal(t, eventstore.TypeJobAccepted, job.Events[0].Type)
}

func TestFailedJobResetsReply(t *testing.T) {
	_, addr := startServer(t, testConfig(t, "echo 'render exploded' >&2; exit 1"))

	_, err := transport.SubmitFiles(t.Context(), "ws://"+addr, newIdentity(t), map[string][]byte{
		"index.js": []byte("x"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrReset)

	require.Eventually(t, func() bool {
		var list responses.JobListResponse
		getJSON(t, "http://"+addr+"/jobs", &list)
		return len(list.History) == 1 && list.History[0].Status == eventstore.JobStatusFailed &&
			list.History[0].ErrorKind == "toolchain"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestInvalidKeyIsRejected(t *testing.T) {
	_, addr := startServer(t, testConfig(t, renderOK))

	_, err := transport.SubmitFiles(t.Context(), "ws://"+addr+"/not-a-key", newIdentity(t), map[string][]byte{"index.js": []byte("x")})
	require.Error(t, err)
}

func TestForgedIdentityPublishesNothing(t *testing.T) {
	s, addr := startServer(t, testConfig(t, renderOK))
	victim := newIdentity(t)
	forger := newIdentity(t)

	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/"+victim.Public.String(), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = ws.Close() }()
	var hello map[string]any
	require.NoError(t, ws.ReadJSON(&hello))

	data := []byte("console.log('not yours')")
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "entry", "path": "index.js", "data": data, "sig": forger.Sign("index.js", data),
	}))
	_ = ws.WriteJSON(map[string]any{"type": "commit"})

	var ce *websocket.CloseError
	_, _, err = ws.ReadMessage()
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseInternalServerErr, ce.Code)

	require.Eventually(t, func() bool {
		var list responses.JobListResponse
		getJSON(t, "http://"+addr+"/jobs", &list)
		return len(list.History) == 1 && list.History[0].Status == eventstore.JobStatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	_, err = s.Catalog().Lookup(victim.Public)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	keys, err := s.Catalog().List()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestUnknownJobIsNotFound(t *testing.T) {
	_, addr := startServer(t, testConfig(t, renderOK))
	assert.Equal(t, http.StatusNotFound, getJSON(t, "http://"+addr+"/jobs/nope", nil))
}

func TestHealthAndMetrics(t *testing.T) {
	s, addr := startServer(t, testConfig(t, renderOK))

	var health responses.HealthResponse
	require.Equal(t, http.StatusOK, getJSON(t, "http://"+addr+"/healthz", &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, s.Catalog().Key().String(), health.CatalogKey)
	assert.NotEmpty(t, health.Revision)

	resp, err := http.Get("http://" + addr + "/metrics") // #nosec G107 - test server URL
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	cfg := testConfig(t, renderOK)
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port

	s, err := New(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	assert.Error(t, s.Start(t.Context()))
}

func TestWorkerGroupRefusesAfterStop(t *testing.T) {
	var g WorkerGroup
	release := make(chan struct{})
	require.NoError(t, g.Go(func() { <-release }))
	assert.Equal(t, 1, g.Len())

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.StopAndWait(ctx), context.DeadlineExceeded)
	require.ErrorIs(t, g.Go(func() {}), ErrShuttingDown)

	close(release)
	require.NoError(t, g.StopAndWait(t.Context()))
	assert.Zero(t, g.Len())
}

func TestStopCancelsLongJobs(t *testing.T) {
	s, addr := startServer(t, testConfig(t, "sleep 30"))

	kp := newIdentity(t)
	errc := make(chan error, 1)
	go func() {
		_, err := transport.SubmitFiles(context.Background(), "ws://"+addr, kp, map[string][]byte{"index.js": []byte("x")})
		errc <- err
	}()
	require.Eventually(t, func() bool { return s.ActiveJobs() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.Stop(ctx)

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("client never saw the job end")
	}
	entries, err := os.ReadDir(s.workspaces.BaseDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
