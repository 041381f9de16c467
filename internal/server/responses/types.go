// Package responses defines the API response types of the render service.
package responses

import (
	"time"

	"git.home.luguber.info/inful/sketchrender/internal/eventstore"
	"git.home.luguber.info/inful/sketchrender/internal/pipeline"
)

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version"`
	Uptime     float64   `json:"uptime"`
	ActiveJobs int       `json:"active_jobs"`
	CatalogKey string    `json:"catalog_key,omitempty"`
	Revision   string    `json:"revision,omitempty"`
}

// JobListResponse is the /jobs payload.
type JobListResponse struct {
	Running []pipeline.Job          `json:"running"`
	History []eventstore.JobSummary `json:"history"`
}

// JobResponse is the /jobs/{id} payload.
type JobResponse struct {
	Job     *pipeline.Job          `json:"job,omitempty"`
	Summary *eventstore.JobSummary `json:"summary,omitempty"`
	Events  []EventRecord          `json:"events"`
}

// EventRecord is one stored job event.
type EventRecord struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}
