// Package commands implements the sketchrender command line.
package commands

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/sketchrender/internal/config"
	rerrors "git.home.luguber.info/inful/sketchrender/internal/errors"
)

// Global context passed to subcommands.
type Global struct {
	Logger *slog.Logger
}

// CLI definition and global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"sketchrender.yaml" type:"path"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Serve  ServeCmd  `cmd:"" help:"Run the render service"`
	Submit SubmitCmd `cmd:"" help:"Submit a sketch directory to a render service and save the result"`
	Init   InitCmd   `cmd:"" help:"Write an example configuration file"`
	Jobs   JobsCmd   `cmd:"" help:"Print the stored event history of a render job"`
}

// AfterApply runs after flag parsing; sets up logging once. Serve
// reconfigures it from the loaded configuration.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// loadConfig loads the configuration file, falling back to defaults when it
// does not exist.
func (c *CLI) loadConfig() (*config.Config, bool, error) {
	cfg, err := config.Load(c.Config)
	if err == nil {
		return cfg, true, nil
	}
	var re *rerrors.RenderError
	if errors.As(err, &re) && re.Category == rerrors.CategoryConfig {
		slog.Info("No configuration file, using defaults", "path", c.Config)
		return config.Default(), false, nil
	}
	return nil, false, err
}

// newLogger builds the service logger from configuration. --verbose wins over
// the configured level.
func newLogger(w io.Writer, cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := cfg.Level.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
