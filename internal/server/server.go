// Package server is the service shell of the render service: it owns the
// listening socket, upgrades peer connections into render jobs and serves the
// catalog plus the operational endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/sketchrender/internal/catalog"
	"git.home.luguber.info/inful/sketchrender/internal/config"
	"git.home.luguber.info/inful/sketchrender/internal/discovery"
	"git.home.luguber.info/inful/sketchrender/internal/drive"
	rerrors "git.home.luguber.info/inful/sketchrender/internal/errors"
	"git.home.luguber.info/inful/sketchrender/internal/eventstore"
	"git.home.luguber.info/inful/sketchrender/internal/logfields"
	"git.home.luguber.info/inful/sketchrender/internal/metrics"
	"git.home.luguber.info/inful/sketchrender/internal/pipeline"
	"git.home.luguber.info/inful/sketchrender/internal/publisher"
	"git.home.luguber.info/inful/sketchrender/internal/server/handlers"
	smw "git.home.luguber.info/inful/sketchrender/internal/server/middleware"
	"git.home.luguber.info/inful/sketchrender/internal/toolchain"
	"git.home.luguber.info/inful/sketchrender/internal/transport"
	"git.home.luguber.info/inful/sketchrender/internal/workspace"
)

// historySize bounds the in-memory finished job history.
const historySize = 200

// Server wires the render service together.
type Server struct {
	cfg *config.Config

	catalog    *catalog.Catalog
	swarm      discovery.Swarm
	store      *eventstore.SQLiteStore
	projection *eventstore.JobHistoryProjection
	registry   *prom.Registry
	recorder   metrics.Recorder
	toolchain  *toolchain.Manager
	workspaces *workspace.Manager
	publisher  *publisher.Publisher
	pipeline   *pipeline.Pipeline
	jobs       *jobTable

	workers   WorkerGroup
	scheduler gocron.Scheduler
	upgrader  websocket.Upgrader
	errors    *rerrors.HTTPErrorAdapter

	jobCtx     context.Context
	cancelJobs context.CancelCauseFunc

	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time
	stopOnce   sync.Once
	stopErr    error
}

// New opens every durable resource the service needs. Nothing listens until Start.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		jobs:       newJobTable(),
		workspaces: workspace.NewManager(cfg.Workspace.BaseDir),
		errors:     rerrors.NewHTTPErrorAdapter(slog.Default()),
		recorder:   metrics.NoopRecorder{},
		upgrader: websocket.Upgrader{
			// peers are programs, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	cat, err := catalog.Open(cfg.Catalog)
	if err != nil {
		return nil, err
	}
	s.catalog = cat

	if cfg.Metrics.IsEnabled() {
		s.registry = metrics.NewRegistry()
		s.recorder = metrics.NewPrometheusRecorder(s.registry)
	}

	store, err := eventstore.NewSQLiteStore(cfg.Events.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	s.store = store
	s.projection = eventstore.NewJobHistoryProjection(store, historySize)
	if err := s.projection.Rebuild(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("rebuild job history: %w", err)
	}
	if n := s.projection.AbandonRunning("service restarted"); n > 0 {
		slog.Warn("Jobs from a previous run never finished", slog.Int("count", n))
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	s.scheduler = sched

	s.swarm = discovery.New(ctx, cfg.Discovery, cfg.Catalog.TTL)
	s.toolchain = toolchain.NewManager(cfg.Toolchain, s.recorder)
	s.publisher = publisher.New(cat, s.swarm).WithRecorder(s.recorder)
	s.pipeline = pipeline.New(pipeline.Deps{
		Workspaces: s.workspaces,
		Toolchain:  s.toolchain,
		Publisher:  s.publisher,
		Sync:       cfg.Sync,
	}).
		WithRecorder(s.recorder).
		WithEmitter(eventstore.NewEmitter(store, s.projection)).
		WithObserver(s.jobs)

	s.jobCtx, s.cancelJobs = context.WithCancelCause(context.Background())
	return s, nil
}

// Toolchain returns the reloadable toolchain; it is the config watcher's target.
func (s *Server) Toolchain() *toolchain.Manager { return s.toolchain }

// Catalog returns the durable catalog.
func (s *Server) Catalog() *catalog.Catalog { return s.catalog }

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener, announces the catalog and begins serving. A bind
// failure is returned before anything else starts.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address())
	if err != nil {
		return fmt.Errorf("http startup failed: %w", err)
	}
	s.listener = ln
	s.startTime = time.Now()

	if err := s.swarm.Join(ctx, s.catalog.Key(), s.catalog.DiscoveryKey()); err != nil {
		slog.Warn("Catalog announcement failed", logfields.Error(rerrors.DiscoveryError(err)))
	}

	if _, err := s.scheduler.NewJob(
		gocron.DurationJob(s.cfg.Workspace.SweepInterval),
		gocron.NewTask(s.sweepWorkspaces),
		gocron.WithName("workspace-sweep"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to schedule workspace sweep: %w", err)
	}
	if s.cfg.Events.Retention > 0 {
		if _, err := s.scheduler.NewJob(
			gocron.DurationJob(time.Hour),
			gocron.NewTask(s.pruneEvents),
			gocron.WithName("event-prune"),
			gocron.WithStartAt(gocron.WithStartImmediately()),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to schedule event pruning: %w", err)
		}
	}
	s.scheduler.Start()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", logfields.Error(err))
		}
	}()

	slog.Info("Render service started",
		slog.String("address", ln.Addr().String()),
		slog.String("catalog_key", s.catalog.Key().String()),
		logfields.Path(s.catalog.Dir()))
	return nil
}

// Handler returns the service's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	monitoring := handlers.NewMonitoringHandlers(s)
	jobs := handlers.NewJobHandlers(s.jobs, s.projection, s.store)

	mux.HandleFunc("GET /healthz", monitoring.HandleHealthCheck)
	mux.HandleFunc("GET /jobs", jobs.HandleList)
	mux.HandleFunc("GET /jobs/{id}", jobs.HandleJob)
	if s.registry != nil {
		mux.Handle("GET "+s.cfg.Metrics.Path, metrics.HTTPHandler(s.registry))
	}
	catalogHandler := s.catalog.Handler()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.handleUpgrade(w, r)
			return
		}
		catalogHandler.ServeHTTP(w, r)
	})

	return smw.Chain(slog.Default(), s.errors)(mux)
}

// handleUpgrade turns a peer connection on /{key} into a render job.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	identity, err := drive.ParseKey(strings.Trim(r.URL.Path, "/"))
	if err != nil || identity.IsZero() {
		s.errors.WriteErrorResponse(w, r, rerrors.ValidationFailed("key", "path must be a 64 character hex public key"))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		slog.Warn("Websocket upgrade failed", logfields.RemoteAddr(r.RemoteAddr), logfields.Error(err))
		return
	}
	conn, err := transport.Accept(ws, identity)
	if err != nil {
		slog.Warn("Replication handshake failed", logfields.RemoteAddr(r.RemoteAddr), logfields.Error(rerrors.Transport(err)))
		return
	}

	ref := pipeline.BundleReference{
		ID:         uuid.NewString(),
		Identity:   identity,
		Bundle:     conn.Bundle(),
		Reply:      conn,
		RemoteAddr: conn.RemoteAddr(),
	}
	if err := s.workers.Go(func() { s.runJob(ref) }); err != nil {
		conn.Destroy(err)
	}
}

// runJob runs one job. Failures are already logged and recorded by the pipeline.
func (s *Server) runJob(ref pipeline.BundleReference) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Render job supervisor panicked", logfields.JobID(ref.ID), slog.Any("panic", r))
		}
	}()
	_, _ = s.pipeline.Run(s.jobCtx, ref)
}

func (s *Server) sweepWorkspaces() {
	n, err := s.workspaces.Sweep(s.cfg.Workspace.StaleAfter)
	if err != nil {
		slog.Warn("Workspace sweep failed", logfields.Path(s.workspaces.BaseDir()), logfields.Error(err))
	}
	if n > 0 {
		slog.Info("Removed stale workspaces", slog.Int("count", n))
	}
}

func (s *Server) pruneEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.store.Prune(ctx, time.Now().Add(-s.cfg.Events.Retention))
	if err != nil {
		slog.Warn("Event pruning failed", logfields.Error(err))
		return
	}
	if n > 0 {
		slog.Info("Pruned job history", slog.Int64("events", n))
	}
}

// Stop shuts the service down. Running jobs get until ctx expires to finish;
// after that they are canceled and cleaned up.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { s.stopErr = s.stop(ctx) })
	return s.stopErr
}

func (s *Server) stop(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
	}

	if err := s.workers.StopAndWait(ctx); err != nil {
		slog.Warn("Canceling running jobs", slog.Int("count", s.workers.Len()))
		s.cancelJobs(ErrShuttingDown)
		waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.workers.StopAndWait(waitCtx); err != nil {
			errs = append(errs, fmt.Errorf("jobs did not stop: %w", err))
		}
		cancel()
	}
	s.cancelJobs(ErrShuttingDown)

	if err := s.scheduler.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.publisher.Wait(waitCtx); err != nil {
		slog.Warn("Closing swarm with re-announcements pending", logfields.Error(err))
	}
	cancel()
	if err := s.swarm.Close(); err != nil {
		errs = append(errs, fmt.Errorf("swarm close: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("event store close: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	slog.Info("Render service stopped")
	return nil
}

// ActiveJobs implements handlers.StatusSource.
func (s *Server) ActiveJobs() int { return s.jobs.Len() }

// StartTime implements handlers.StatusSource.
func (s *Server) StartTime() time.Time { return s.startTime }

// CatalogKey implements handlers.StatusSource.
func (s *Server) CatalogKey() string { return s.catalog.Key().String() }

// CatalogRevision implements handlers.StatusSource.
func (s *Server) CatalogRevision() (string, error) { return s.catalog.Revision() }
