package history

import (
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// RunMigrations brings the Postgres schema up to date using the SQL
// files under migrationsDir (internal/store/pg/migrations in the
// checked-out tree), the same file://-source + golang-migrate approach
// the rest of this codebase uses for its own schema changes.
func RunMigrations(dsn, migrationsDir string) error {
	m, err := migrate.New("file://"+migrationsDir, dsn)
	if err != nil {
		return fmt.Errorf("history: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	return nil
}

// OpenPostgresPoolDSN is a thin helper so callers that only need a
// *sql.DB (e.g. to pass to golang-migrate-adjacent tooling) don't have
// to import pgx/stdlib themselves.
func OpenPostgresPoolDSN(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open pgx: %w", err)
	}
	return db, nil
}
