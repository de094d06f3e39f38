// Package storage owns the two SQLite databases the routing process
// persists to: the main database (endpoint registry, request history, live
// audit log) and the archive database (cold audit batches moved out by
// retention). Both are opened through modernc.org/sqlite, the pure-Go
// driver the rest of the corpus favors over cgo-backed drivers, and
// migrated with goose the same way the teacher migrates its Postgres schema.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/llmlb/llmlb/internal/logger"
)

// Databases bundles the two SQLite handles the rest of the process needs.
type Databases struct {
	Main    *sql.DB
	Archive *sql.DB
}

// Close closes both database handles.
func (d *Databases) Close() error {
	var firstErr error
	if d.Main != nil {
		if err := d.Main.Close(); err != nil {
			firstErr = err
		}
	}
	if d.Archive != nil {
		if err := d.Archive.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Options configures Open.
type Options struct {
	DataDir        string
	MaxOpenConns   int
	MaxIdleConns   int
}

// Open opens (creating if necessary) the main and archive SQLite databases
// under opts.DataDir, applies connection pool tuning, runs main-database
// migrations, and returns both handles.
func Open(ctx context.Context, opts Options, log *logger.Logger) (*Databases, error) {
	mainPath := filepath.Join(opts.DataDir, "llmlb.db")
	archivePath := filepath.Join(opts.DataDir, "llmlb-archive.db")

	mainDB, err := openSQLite(mainPath, opts)
	if err != nil {
		return nil, fmt.Errorf("open main database: %w", err)
	}

	archiveDB, err := openSQLite(archivePath, opts)
	if err != nil {
		mainDB.Close()
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	if err := runMigrations(mainDB); err != nil {
		mainDB.Close()
		archiveDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := runArchiveSchema(ctx, archiveDB); err != nil {
		mainDB.Close()
		archiveDB.Close()
		return nil, fmt.Errorf("prepare archive schema: %w", err)
	}

	log.Info("databases ready", "main", mainPath, "archive", archivePath)
	return &Databases{Main: mainDB, Archive: archiveDB}, nil
}

func openSQLite(path string, opts Options) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
