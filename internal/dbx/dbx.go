// Package dbx opens the coordination database connection pool and applies
// its schema migrations. It is the only package that knows the on-disk
// migration layout; every other package talks to the database through
// *sqlx.DB handed to it at construction time.
package dbx

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to the coordination database via the pgx stdlib driver and
// wraps the pool in a *sqlx.DB for ergonomic scanning. The caller owns the
// returned handle and must Close it.
func Open(databaseURL string) (*sqlx.DB, error) {
	raw, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("dbx: open: %w", err)
	}
	db := sqlx.NewDb(raw, "pgx")
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dbx: ping: %w", err)
	}
	return db, nil
}

// Migrate applies every pending migration embedded in migrations/.
// Safe to call on every startup; goose tracks applied versions in its own
// bookkeeping table and is a no-op when the schema is already current.
func Migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("dbx: set dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("dbx: migrate: %w", err)
	}
	return nil
}
