package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"git.home.luguber.info/inful/sketchrender/internal/config"
	rerrors "git.home.luguber.info/inful/sketchrender/internal/errors"
	"git.home.luguber.info/inful/sketchrender/internal/server"
)

// ServeCmd implements the 'serve' command.
type ServeCmd struct {
	Port        int    `short:"p" help:"Listening port (overrides server.port)"`
	Discovery   bool   `xor:"discovery" help:"Announce the catalog on the discovery swarm"`
	NoDiscovery bool   `xor:"discovery" name:"no-discovery" help:"Do not announce the catalog"`
	DataDir     string `short:"d" help:"Data directory holding the catalog and the event store" type:"path"`
}

func (s *ServeCmd) Run(_ *Global, root *CLI) error {
	cfg, fromFile, err := root.loadConfig()
	if err != nil {
		return err
	}
	s.apply(cfg)
	if err := config.Validate(cfg); err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stderr, cfg.Logging, root.Verbose))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return rerrors.InternalError("failed to initialize render service", err)
	}
	if err := srv.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stopCancel()
		_ = srv.Stop(stopCtx)
		return rerrors.InternalError("failed to start render service", err).WithContext("address", cfg.Server.Address())
	}

	if fromFile {
		w, werr := config.NewWatcher(root.Config, cfg, srv.Toolchain())
		if werr != nil {
			slog.Warn("Config watcher unavailable", "error", werr)
		} else if werr = w.Start(ctx); werr != nil {
			slog.Warn("Config watcher failed to start", "error", werr)
		} else {
			defer func() { _ = w.Stop() }()
		}
	}

	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping render service")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop render service: %w", err)
	}
	return nil
}

// apply layers command line overrides onto cfg.
func (s *ServeCmd) apply(cfg *config.Config) {
	if s.Port != 0 {
		cfg.Server.Port = s.Port
	}
	switch {
	case s.Discovery:
		cfg.Discovery.Enabled = config.Bool(true)
	case s.NoDiscovery:
		cfg.Discovery.Enabled = config.Bool(false)
	}
	if s.DataDir != "" {
		cfg.Catalog.Dir = filepath.Join(s.DataDir, "catalog")
		cfg.Events.DBPath = filepath.Join(s.DataDir, "events.db")
	}
}
