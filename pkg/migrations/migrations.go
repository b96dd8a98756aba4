// Package migrations applies the schema migrations embedded under sql/ using
// golang-migrate, so every deployment (including a fresh local Postgres)
// reaches the same schema without a separate operator step.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var sqlFS embed.FS

// Apply runs every pending up migration against dsn. It is safe to call on
// every process start: golang-migrate no-ops when the schema is already at
// the latest version.
func Apply(dsn string) error {
	source, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
