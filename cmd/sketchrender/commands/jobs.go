package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	rerrors "git.home.luguber.info/inful/sketchrender/internal/errors"
	"git.home.luguber.info/inful/sketchrender/internal/eventstore"
	"git.home.luguber.info/inful/sketchrender/internal/server/handlers"
)

// JobsCmd implements the 'jobs' command.
type JobsCmd struct {
	ID     string `arg:"" help:"Job ID"`
	DBPath string `name:"db" help:"Event store path (overrides events.db_path)" type:"path"`
}

func (j *JobsCmd) Run(_ *Global, root *CLI) error {
	dbPath := j.DBPath
	if dbPath == "" {
		cfg, _, err := root.loadConfig()
		if err != nil {
			return err
		}
		dbPath = cfg.Events.DBPath
	}
	return PrintJob(context.Background(), os.Stdout, dbPath, j.ID)
}

// PrintJob writes the stored events of jobID as indented JSON.
func PrintJob(ctx context.Context, w io.Writer, dbPath, jobID string) error {
	store, err := eventstore.NewSQLiteStore(dbPath)
	if err != nil {
		return rerrors.InternalError("failed to open event store", err)
	}
	defer func() { _ = store.Close() }()

	events, err := store.GetByJobID(ctx, jobID)
	if err != nil {
		return rerrors.InternalError("failed to read job events", err)
	}
	if len(events) == 0 {
		return rerrors.NotFound("job", jobID)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(handlers.EventRecords(events)); err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	return nil
}
