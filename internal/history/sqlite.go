package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore is the default durable Store: a local SQLite file, good for
// a single-process deployment that wants history to survive a restart
// without standing up Postgres.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if absent) a SQLite database at path and
// ensures its schema exists. A single connection is held open so writers
// serialize through it, avoiding SQLITE_BUSY from concurrent connections.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS history_entries (
		task_id          TEXT PRIMARY KEY,
		protocol_version INTEGER NOT NULL,
		source           TEXT NOT NULL,
		prompt           TEXT NOT NULL,
		success          INTEGER NOT NULL,
		output           TEXT NOT NULL,
		pr_url           TEXT NOT NULL DEFAULT '',
		error            TEXT NOT NULL DEFAULT '',
		started_at       TIMESTAMP NOT NULL,
		completed_at     TIMESTAMP NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_history_entries_completed_at ON history_entries (completed_at DESC)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create index: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO history_entries
		(task_id, protocol_version, source, prompt, success, output, pr_url, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			protocol_version=excluded.protocol_version, source=excluded.source, prompt=excluded.prompt,
			success=excluded.success, output=excluded.output, pr_url=excluded.pr_url, error=excluded.error,
			started_at=excluded.started_at, completed_at=excluded.completed_at`,
		e.TaskID, e.ProtocolVersion, e.Source, e.Prompt, boolToInt(e.Success), e.Output, e.PRURL, e.Error,
		e.StartedAt.UTC(), e.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("history: record %s: %w", e.TaskID, err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultCapacity
	}
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, protocol_version, source, prompt, success, output, pr_url, error, started_at, completed_at
		FROM history_entries ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var success int
		var started, completed time.Time
		if err := rows.Scan(&e.TaskID, &e.ProtocolVersion, &e.Source, &e.Prompt, &success, &e.Output, &e.PRURL, &e.Error, &started, &completed); err != nil {
			return nil, fmt.Errorf("history: scan recent: %w", err)
		}
		e.Success = success != 0
		e.StartedAt = started
		e.CompletedAt = completed
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
