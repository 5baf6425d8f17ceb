package sink

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/yaioyaio/devpulse/pkg/devpulse/event"
)

// ErrArchiveClosed is returned by archive operations after Close.
var ErrArchiveClosed = errors.New("sink: archive is closed")

// SQLiteArchive persists processed event batches to SQLite.
// It is suitable for single-process production use.
type SQLiteArchive struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteArchive opens an archive at path. Use ":memory:" for testing.
func NewSQLiteArchive(path string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			category TEXT NOT NULL,
			severity INTEGER NOT NULL,
			queue TEXT NOT NULL,
			failed INTEGER NOT NULL DEFAULT 0,
			archived_at TEXT NOT NULL,
			data BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_events_category
		ON events(category)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteArchive{db: db}, nil
}

// Record archives a processed batch from the named queue.
func (a *SQLiteArchive) Record(queueName string, events []event.Event) error {
	return a.record(queueName, events, false)
}

// RecordFailed archives a batch whose retries were exhausted.
func (a *SQLiteArchive) RecordFailed(queueName string, events []event.Event) error {
	return a.record(queueName, events, true)
}

func (a *SQLiteArchive) record(queueName string, events []event.Event, failed bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrArchiveClosed
	}

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO events (id, type, category, severity, queue, failed, archived_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			queue = excluded.queue,
			failed = excluded.failed,
			archived_at = excluded.archived_at
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	failedFlag := 0
	if failed {
		failedFlag = 1
	}
	for _, evt := range events {
		data, err := evt.Encode()
		if err != nil {
			return fmt.Errorf("encode event %s: %w", evt.ID, err)
		}
		if _, err := stmt.Exec(evt.ID, evt.Type, string(evt.Category), int(evt.Severity), queueName, failedFlag, now, data); err != nil {
			return fmt.Errorf("insert event %s: %w", evt.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List returns archived events for a category, newest first, up to limit.
// An empty category lists across all categories.
func (a *SQLiteArchive) List(category event.Category, limit int) ([]event.Event, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, ErrArchiveClosed
	}
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if category == "" {
		rows, err = a.db.Query(`
			SELECT data FROM events
			ORDER BY archived_at DESC LIMIT ?
		`, limit)
	} else {
		rows, err = a.db.Query(`
			SELECT data FROM events WHERE category = ?
			ORDER BY archived_at DESC LIMIT ?
		`, string(category), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt, err := event.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Count returns the number of archived events.
func (a *SQLiteArchive) Count() (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return 0, ErrArchiveClosed
	}

	var count int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// Prune deletes archived events older than the retention window and
// returns how many rows were removed.
func (a *SQLiteArchive) Prune(retention time.Duration) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrArchiveClosed
	}

	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	res, err := a.db.Exec(`DELETE FROM events WHERE archived_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Close closes the archive. Subsequent operations return ErrArchiveClosed.
func (a *SQLiteArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}
