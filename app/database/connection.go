package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"
	_ "modernc.org/sqlite"
)

const DefaultLockTimeout = 30 * time.Second

var ErrLockTimeout = errors.New("timed out waiting for the store write lock")

// DB wraps the SQLite handle together with the process-wide write lock.
// Every mutating statement goes through withWriteLock; readers use the
// embedded *sql.DB directly and rely on WAL snapshots.
type DB struct {
	*sql.DB
	path        string
	writeLock   *semaphore.Weighted
	lockTimeout time.Duration
}

func NewConnection(path string, lockTimeout time.Duration) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, lockTimeout.Milliseconds())

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		DB:          sqlDB,
		path:        path,
		writeLock:   semaphore.NewWeighted(1),
		lockTimeout: lockTimeout,
	}, nil
}

func (db *DB) withWriteLock(ctx context.Context, fn func(ctx context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, db.lockTimeout)
	defer cancel()

	if err := db.writeLock.Acquire(lockCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrLockTimeout
	}
	defer db.writeLock.Release(1)

	opCtx, opCancel := context.WithTimeout(ctx, db.lockTimeout)
	defer opCancel()

	return fn(opCtx)
}
