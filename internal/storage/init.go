package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationPath = "migrations"

// runMigrations applies the embedded goose migrations over a short-lived
// lib/pq connection, separate from the pgx pool used for queries.
func runMigrations(dsn string, log *zap.Logger) error {
	const op = "storage.migrations"

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := goose.Up(db, migrationPath); err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			log.Info("no migrations to apply")
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	version, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Info("database migrations applied", zap.Int64("version", version))
	return nil
}
