package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"git.home.luguber.info/inful/sketchrender/internal/errors"
	"git.home.luguber.info/inful/sketchrender/internal/eventstore"
	"git.home.luguber.info/inful/sketchrender/internal/pipeline"
	"git.home.luguber.info/inful/sketchrender/internal/server/responses"
)

// LiveJobs exposes the jobs currently held in memory.
type LiveJobs interface {
	Running() []pipeline.Job
	Lookup(id string) (pipeline.Job, bool)
}

// JobHandlers serves job listings and per-job event history.
type JobHandlers struct {
	live         LiveJobs
	projection   *eventstore.JobHistoryProjection
	store        eventstore.Store
	errorAdapter *errors.HTTPErrorAdapter
}

// NewJobHandlers creates job handlers. projection and store may be nil, in
// which case only live jobs are reported.
func NewJobHandlers(live LiveJobs, projection *eventstore.JobHistoryProjection, store eventstore.Store) *JobHandlers {
	return &JobHandlers{
		live:         live,
		projection:   projection,
		store:        store,
		errorAdapter: errors.NewHTTPErrorAdapter(slog.Default()),
	}
}

// HandleList serves GET /jobs.
func (h *JobHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	resp := responses.JobListResponse{
		Running: h.live.Running(),
		History: []eventstore.JobSummary{},
	}
	if h.projection != nil {
		resp.History = h.projection.History()
	}
	if err := writeJSONPretty(w, r, http.StatusOK, resp); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, errors.InternalError("failed to write job list", err))
	}
}

// HandleJob serves GET /jobs/{id}.
func (h *JobHandlers) HandleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp := responses.JobResponse{Events: []responses.EventRecord{}}

	if job, ok := h.live.Lookup(id); ok {
		resp.Job = &job
	}
	if h.projection != nil {
		if s, ok := h.projection.Job(id); ok {
			resp.Summary = &s
		}
	}
	if h.store != nil {
		events, err := h.store.GetByJobID(r.Context(), id)
		if err != nil {
			h.errorAdapter.WriteErrorResponse(w, r, errors.InternalError("failed to read job events", err))
			return
		}
		resp.Events = EventRecords(events)
	}

	if resp.Job == nil && resp.Summary == nil && len(resp.Events) == 0 {
		h.errorAdapter.WriteErrorResponse(w, r, errors.NotFound("job", id))
		return
	}
	if err := writeJSONPretty(w, r, http.StatusOK, resp); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, errors.InternalError("failed to write job", err))
	}
}

// EventRecords converts stored events into their API form.
func EventRecords(events []eventstore.Event) []responses.EventRecord {
	out := make([]responses.EventRecord, 0, len(events))
	for _, ev := range events {
		rec := responses.EventRecord{ID: ev.ID(), Type: ev.Type(), Timestamp: ev.Timestamp()}
		if p := ev.Payload(); len(p) > 0 {
			var payload map[string]any
			if err := json.Unmarshal(p, &payload); err == nil && len(payload) > 0 {
				rec.Payload = payload
			}
		}
		out = append(out, rec)
	}
	return out
}
