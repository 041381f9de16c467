package eventstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Job statuses of the history view.
const (
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

// JobSummary is a read model of one render job.
type JobSummary struct {
	JobID        string        `json:"job_id"`
	Identity     string        `json:"identity,omitempty"`
	Status       string        `json:"status"`
	State        string        `json:"state,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	ErrorState   string        `json:"error_state,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Partial      bool          `json:"partial,omitempty"`
	Publication  *Publication  `json:"publication,omitempty"`
}

// JobHistoryProjection maintains an in-memory view of job history,
// reconstructed from events stored in the event store.
type JobHistoryProjection struct {
	mu      sync.RWMutex
	store   Store
	jobs    map[string]*JobSummary
	history []*JobSummary // finished jobs, newest first
	maxSize int
}

// NewJobHistoryProjection creates a new projection backed by the given store.
func NewJobHistoryProjection(store Store, maxHistorySize int) *JobHistoryProjection {
	if maxHistorySize <= 0 {
		maxHistorySize = 100
	}
	return &JobHistoryProjection{
		store:   store,
		jobs:    make(map[string]*JobSummary),
		history: make([]*JobSummary, 0, maxHistorySize),
		maxSize: maxHistorySize,
	}
}

// Rebuild reconstructs the projection from all events in the store.
// Jobs that were running when the process stopped stay marked as running
// until the caller decides otherwise; see AbandonRunning.
func (p *JobHistoryProjection) Rebuild(ctx context.Context) error {
	events, err := p.store.GetRange(ctx, time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.jobs = make(map[string]*JobSummary)
	p.history = make([]*JobSummary, 0, p.maxSize)
	for _, event := range events {
		p.applyEventLocked(event)
	}
	sort.SliceStable(p.history, func(i, j int) bool {
		return p.history[i].StartedAt.After(p.history[j].StartedAt)
	})
	if len(p.history) > p.maxSize {
		p.history = p.history[:p.maxSize]
	}
	p.pruneLocked()
	return nil
}

// AbandonRunning marks every job still running as failed. It is called after
// Rebuild at startup: those jobs belonged to a previous process.
func (p *JobHistoryProjection) AbandonRunning(reason string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.jobs {
		if s.Status != JobStatusRunning {
			continue
		}
		s.Status = JobStatusFailed
		s.ErrorKind = "internal"
		s.ErrorMessage = reason
		p.addToHistoryLocked(s)
		n++
	}
	return n
}

// Apply processes a single event and updates the projection.
func (p *JobHistoryProjection) Apply(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyEventLocked(event)
}

func (p *JobHistoryProjection) applyEventLocked(event Event) {
	jobID := event.JobID()
	if jobID == "" {
		return
	}

	summary, exists := p.jobs[jobID]
	if !exists {
		summary = &JobSummary{JobID: jobID, Status: JobStatusRunning, StartedAt: event.Timestamp()}
		p.jobs[jobID] = summary
	}

	switch event.Type() {
	case TypeJobAccepted:
		summary.StartedAt = event.Timestamp()
		var payload struct {
			Identity string `json:"identity"`
		}
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			summary.Identity = payload.Identity
		}

	case TypeStateEntered:
		var payload struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			summary.State = payload.State
		}

	case TypeJobFailed:
		p.finishLocked(summary, event.Timestamp(), JobStatusFailed)
		var payload struct {
			State   string `json:"state"`
			Kind    string `json:"kind"`
			Error   string `json:"error"`
			Partial bool   `json:"partial"`
		}
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			summary.ErrorState = payload.State
			summary.ErrorKind = payload.Kind
			summary.ErrorMessage = payload.Error
			summary.Partial = payload.Partial
		}
		p.addToHistoryLocked(summary)

	case TypeJobCompleted:
		p.finishLocked(summary, event.Timestamp(), JobStatusDone)
		var payload struct {
			Publication Publication `json:"publication"`
		}
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			pub := payload.Publication
			summary.Publication = &pub
		}
		p.addToHistoryLocked(summary)
	}
}

func (p *JobHistoryProjection) finishLocked(s *JobSummary, at time.Time, status string) {
	s.CompletedAt = &at
	s.Duration = at.Sub(s.StartedAt)
	s.Status = status
}

func (p *JobHistoryProjection) addToHistoryLocked(summary *JobSummary) {
	for _, h := range p.history {
		if h.JobID == summary.JobID {
			return
		}
	}
	p.history = append([]*JobSummary{summary}, p.history...)
	if len(p.history) > p.maxSize {
		p.history = p.history[:p.maxSize]
	}
	p.pruneLocked()
}

// pruneLocked drops finished jobs that fell out of the bounded history.
func (p *JobHistoryProjection) pruneLocked() {
	keep := make(map[string]struct{}, len(p.history))
	for _, h := range p.history {
		keep[h.JobID] = struct{}{}
	}
	for id, s := range p.jobs {
		if s.Status == JobStatusRunning {
			continue
		}
		if _, ok := keep[id]; !ok {
			delete(p.jobs, id)
		}
	}
}

// History returns finished jobs, newest first.
func (p *JobHistoryProjection) History() []JobSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]JobSummary, len(p.history))
	for i, s := range p.history {
		out[i] = *s
	}
	return out
}

// Running returns jobs that have not finished, oldest first.
func (p *JobHistoryProjection) Running() []JobSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []JobSummary
	for _, s := range p.jobs {
		if s.Status == JobStatusRunning {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Job returns the summary for a specific job.
func (p *JobHistoryProjection) Job(jobID string) (JobSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.jobs[jobID]
	if !ok {
		return JobSummary{}, false
	}
	return *s, true
}
