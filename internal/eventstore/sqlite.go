package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryDB keeps the event history in-process only.
const MemoryDB = ":memory:"

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

var migrations = map[int]string{
	1: `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id, id);
	CREATE INDEX IF NOT EXISTS idx_events_time ON events(timestamp);
	`,
}

const selectEvents = "SELECT id, job_id, event_type, timestamp, payload, metadata FROM events"

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens or creates the store at dbPath. MemoryDB gives a
// store that lives as long as the process.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != MemoryDB {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabaseOpenFailed, err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseOpenFailed, err)
	}
	// every connection to :memory: is its own database
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrInitializeSchemaFailed, err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("schema version %d is newer than supported %d", current, schemaVersion)
	}
	for v := current + 1; v <= schemaVersion; v++ {
		if _, err := db.Exec(migrations[v]); err != nil {
			return fmt.Errorf("migrate to version %d: %w", v, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
			return fmt.Errorf("record schema version %d: %w", v, err)
		}
	}
	return nil
}

// Append adds a new event to the store.
func (s *SQLiteStore) Append(ctx context.Context, jobID, eventType string, payload []byte, metadata map[string]string) error {
	var meta []byte
	if len(metadata) > 0 {
		var err error
		if meta, err = json.Marshal(metadata); err != nil {
			return fmt.Errorf("%w: marshal metadata: %w", ErrEventAppendFailed, err)
		}
	}
	if payload == nil {
		payload = []byte("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO events (job_id, event_type, timestamp, payload, metadata) VALUES (?, ?, ?, ?, ?)",
		jobID, eventType, time.Now().UnixMilli(), payload, meta,
	); err != nil {
		return fmt.Errorf("%w: %w", ErrEventAppendFailed, err)
	}
	return nil
}

// GetByJobID returns the events of one job, oldest first.
func (s *SQLiteStore) GetByJobID(ctx context.Context, jobID string) ([]Event, error) {
	return s.query(ctx, "WHERE job_id = ? ORDER BY id", jobID)
}

// GetRange returns the events recorded between start and end inclusive.
func (s *SQLiteStore) GetRange(ctx context.Context, start, end time.Time) ([]Event, error) {
	return s.query(ctx, "WHERE timestamp BETWEEN ? AND ? ORDER BY id", start.UnixMilli(), end.UnixMilli())
}

// Prune deletes the history of every job whose latest event is older than
// before. A job is removed as a whole so no partial history remains.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE job_id IN (
			SELECT job_id FROM events GROUP BY job_id HAVING MAX(timestamp) < ?
		)`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %w", ErrEventQueryFailed, err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) query(ctx context.Context, clause string, args ...any) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, selectEvents+" "+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventQueryFailed, err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*BaseEvent, error) {
	var (
		e    BaseEvent
		ms   int64
		meta []byte
	)
	if err := rows.Scan(&e.EventID, &e.EventJobID, &e.EventType, &ms, &e.EventPayload, &meta); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.EventTimestamp = time.UnixMilli(ms)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.EventMetadata); err != nil {
			return nil, fmt.Errorf("decode metadata of event %d: %w", e.EventID, err)
		}
	}
	return &e, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
