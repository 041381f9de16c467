package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"git.home.luguber.info/inful/sketchrender/internal/errors"
	"git.home.luguber.info/inful/sketchrender/internal/server/responses"
	"git.home.luguber.info/inful/sketchrender/internal/version"
)

// StatusSource is what the health endpoint reports on.
type StatusSource interface {
	ActiveJobs() int
	StartTime() time.Time
	CatalogKey() string
	CatalogRevision() (string, error)
}

// MonitoringHandlers contains monitoring-related HTTP handlers.
type MonitoringHandlers struct {
	source       StatusSource
	errorAdapter *errors.HTTPErrorAdapter
}

// NewMonitoringHandlers creates a new monitoring handlers instance.
func NewMonitoringHandlers(source StatusSource) *MonitoringHandlers {
	return &MonitoringHandlers{
		source:       source,
		errorAdapter: errors.NewHTTPErrorAdapter(slog.Default()),
	}
}

// HandleHealthCheck handles the health check endpoint. An unreadable catalog
// makes the service unhealthy.
func (h *MonitoringHandlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := &responses.HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		Version:    version.Version,
		Uptime:     time.Since(h.source.StartTime()).Seconds(),
		ActiveJobs: h.source.ActiveJobs(),
		CatalogKey: h.source.CatalogKey(),
	}
	status := http.StatusOK
	rev, err := h.source.CatalogRevision()
	if err != nil {
		health.Status = "degraded"
		status = http.StatusServiceUnavailable
		slog.Warn("Health check: catalog unreadable", "error", err)
	}
	health.Revision = rev

	if err := writeJSONPretty(w, r, status, health); err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, errors.InternalError("failed to write health response", err))
	}
}
