package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the multi-process-safe Store, used when
// history.mode="postgres" and a DSN is supplied via environment.
// Schema is brought up separately by RunMigrations before the pool is
// used (see migrate.go), mirroring the teacher's migrate-then-serve
// startup sequence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an already-connected pool. The caller owns the
// pool's lifetime up to (but not including) Close, which releases it.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Record(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO history_entries
		(task_id, protocol_version, source, prompt, success, output, pr_url, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (task_id) DO UPDATE SET
			protocol_version=excluded.protocol_version, source=excluded.source, prompt=excluded.prompt,
			success=excluded.success, output=excluded.output, pr_url=excluded.pr_url, error=excluded.error,
			started_at=excluded.started_at, completed_at=excluded.completed_at`,
		e.TaskID, e.ProtocolVersion, e.Source, e.Prompt, e.Success, e.Output, e.PRURL, e.Error,
		e.StartedAt.UTC(), e.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("history: record %s: %w", e.TaskID, err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultCapacity
	}
	rows, err := s.pool.Query(ctx, `SELECT task_id, protocol_version, source, prompt, success, output, pr_url, error, started_at, completed_at
		FROM history_entries ORDER BY completed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TaskID, &e.ProtocolVersion, &e.Source, &e.Prompt, &e.Success, &e.Output, &e.PRURL, &e.Error, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("history: scan recent: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
