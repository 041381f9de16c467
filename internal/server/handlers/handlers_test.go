package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/sketchrender/internal/eventstore"
	"git.home.luguber.info/inful/sketchrender/internal/pipeline"
	"git.home.luguber.info/inful/sketchrender/internal/server/responses"
)

type fakeLive map[string]pipeline.Job

func (f fakeLive) Running() []pipeline.Job {
	out := make([]pipeline.Job, 0, len(f))
	for _, j := range f {
		out = append(out, j)
	}
	return out
}

func (f fakeLive) Lookup(id string) (pipeline.Job, bool) {
	j, ok := f[id]
	return j, ok
}

type fakeStatus struct {
	revErr error
}

func (fakeStatus) ActiveJobs() int                    { return 2 }
func (fakeStatus) StartTime() time.Time               { return time.Now().Add(-time.Minute) }
func (fakeStatus) CatalogKey() string                 { return "abc" }
func (f fakeStatus) CatalogRevision() (string, error) { return "rev", f.revErr }

func serveJob(h *JobHandlers, id string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs/{id}", h.HandleJob)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+id, nil))
	return rec
}

func TestHandleJobCombinesLiveAndStored(t *testing.T) {
	store, err := eventstore.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	proj := eventstore.NewJobHistoryProjection(store, 10)
	em := eventstore.NewEmitter(store, proj)

	accepted, err := eventstore.NewJobAccepted("j1", "aa", "127.0.0.1:1")
	require.NoError(t, err)
	require.NoError(t, em.Emit(t.Context(), accepted))

	live := fakeLive{"j1": {ID: "j1", State: pipeline.StateBundling}}
	rec := serveJob(NewJobHandlers(live, proj, store), "j1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp responses.JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Job)
	assert.Equal(t, pipeline.StateBundling, resp.Job.State)
	require.NotNil(t, resp.Summary)
	assert.Equal(t, eventstore.JobStatusRunning, resp.Summary.Status)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "aa", resp.Events[0].Payload["identity"])
}

func TestHandleJobUnknown(t *testing.T) {
	rec := serveJob(NewJobHandlers(fakeLive{}, nil, nil), "missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestHandleListWithoutStore(t *testing.T) {
	h := NewJobHandlers(fakeLive{"a": {ID: "a"}}, nil, nil)
	rec := httptest.NewRecorder()
	h.HandleList(rec, httptest.NewRequest(http.MethodGet, "/jobs?pretty=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp responses.JobListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Running, 1)
	assert.Empty(t, resp.History)
}

func TestHealthCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	NewMonitoringHandlers(fakeStatus{}).HandleHealthCheck(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health responses.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 2, health.ActiveJobs)
	assert.Equal(t, "rev", health.Revision)
}

func TestHealthCheckDegraded(t *testing.T) {
	rec := httptest.NewRecorder()
	NewMonitoringHandlers(fakeStatus{revErr: errors.New("broken repo")}).
		HandleHealthCheck(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}
