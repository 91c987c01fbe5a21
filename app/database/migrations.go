package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Bootstrap applies all pending migrations and returns version info. It is
// idempotent and serialized with every other write.
func (db *DB) Bootstrap(ctx context.Context) (uint, bool, error) {
	var version uint
	var dirty bool

	err := db.withWriteLock(ctx, func(ctx context.Context) error {
		var err error
		version, dirty, err = runMigrations(db)
		return err
	})

	return version, dirty, err
}

// BootstrapWithRetry calls Bootstrap up to attempts times, sleeping backoff
// between failures. Each failure is logged; only the last one is returned.
func (db *DB) BootstrapWithRetry(ctx context.Context, attempts int, backoff time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		version, dirty, err := db.Bootstrap(ctx)
		if err == nil {
			slog.Info("Database bootstrapped", "path", db.path, "version", version, "dirty", dirty)
			return nil
		}

		lastErr = err
		slog.Warn("Database bootstrap attempt failed", "attempt", attempt, "max_attempts", attempts, "error", err)

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("database bootstrap failed after %d attempts: %w", attempts, lastErr)
}

func runMigrations(db *DB) (uint, bool, error) {
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return 0, false, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, false, fmt.Errorf("failed to create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, false, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}

	return version, dirty, nil
}
