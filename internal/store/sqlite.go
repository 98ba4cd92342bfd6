package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/GriffinCanCode/AetherOS/core/internal/domain/vnode"
	"github.com/GriffinCanCode/AetherOS/core/internal/shared/id"

	_ "modernc.org/sqlite"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS lifecycle_events (
    id          TEXT PRIMARY KEY,
    vnode       TEXT NOT NULL,
    from_state  TEXT NOT NULL,
    to_state    TEXT NOT NULL,
    reason      TEXT,
    run_handle  TEXT,
    at_unix_ns  INTEGER NOT NULL
)`

const createEventsIndex = `
CREATE INDEX IF NOT EXISTS lifecycle_events_vnode ON lifecycle_events (vnode, at_unix_ns)`

// Compile-time interface satisfaction check.
var _ vnode.Journal = (*SQLiteJournal)(nil)

// SQLiteJournal persists V-Node lifecycle events in SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens the SQLite database at dbPath and runs migrations.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []struct {
		sql  string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "set WAL mode"},
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{createEventsTable, "create lifecycle_events table"},
		{createEventsIndex, "create lifecycle_events index"},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.what, err)
		}
	}

	return &SQLiteJournal{db: db}, nil
}

// Close closes the underlying database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Record inserts a lifecycle event.
func (j *SQLiteJournal) Record(ctx context.Context, e vnode.Event) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO lifecycle_events (id, vnode, from_state, to_state, reason, run_handle, at_unix_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), e.VNode, string(e.From), string(e.To), e.Reason, e.RunHandle, e.Time.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert lifecycle event: %w", err)
	}
	return nil
}

// Events returns up to limit most recent events for vnode (all V-Nodes when
// empty), oldest first. A non-positive limit returns everything.
func (j *SQLiteJournal) Events(ctx context.Context, name string, limit int) ([]vnode.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, vnode, from_state, to_state, reason, run_handle, at_unix_ns FROM (
			SELECT rowid, * FROM lifecycle_events
			WHERE ? = '' OR vnode = ?
			ORDER BY at_unix_ns DESC, rowid DESC
			LIMIT ?
		) ORDER BY at_unix_ns ASC, rowid ASC`,
		name, name, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle events: %w", err)
	}
	defer rows.Close()

	var events []vnode.Event
	for rows.Next() {
		var (
			e                 vnode.Event
			eventID, from, to string
			reason, runHandle sql.NullString
			atNanos           int64
		)
		if err := rows.Scan(&eventID, &e.VNode, &from, &to, &reason, &runHandle, &atNanos); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		e.ID = id.EventID(eventID)
		e.From = vnode.State(from)
		e.To = vnode.State(to)
		e.Reason = reason.String
		e.RunHandle = runHandle.String
		e.Time = time.Unix(0, atNanos)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lifecycle events: %w", err)
	}
	return events, nil
}

// Counts returns the number of transitions into each state.
func (j *SQLiteJournal) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT to_state, COUNT(*) FROM lifecycle_events GROUP BY to_state`)
	if err != nil {
		return nil, fmt.Errorf("count lifecycle events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
