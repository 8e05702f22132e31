// Package store provides the relational store backing the task hub.
// SQLite is the default backend; PostgreSQL (via pgx) is selected when a
// database host is configured. Queries are written with ? placeholders and
// passed through sqlx.Rebind for portability.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/taskhub/taskhub/internal/common/config"
)

const (
	// defaultBusyTimeout bounds how long a contended SQLite operation blocks
	// before failing with a retryable error.
	defaultBusyTimeout = 5 * time.Second

	// defaultReaderConns is the number of concurrent SQLite read connections.
	// WAL mode allows many readers alongside the single writer.
	defaultReaderConns = 4
)

// Store wraps writer and reader connection pools.
//
// For SQLite with WAL mode this enables concurrent reads while serializing
// writes through a single connection. For PostgreSQL both pools are the same
// *sqlx.DB since pgx pools internally.
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB
	path   string // SQLite file path; empty for Postgres
}

// Open opens the configured backend and applies migrations.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var s *Store
	var err error
	if cfg.UsePostgres() {
		s, err = openPostgres(cfg)
	} else {
		s, err = openSQLite(cfg.Path)
	}
	if err != nil {
		return nil, err
	}

	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Writer returns the pool used for INSERT, UPDATE, DELETE, and transactions.
func (s *Store) Writer() *sqlx.DB { return s.writer }

// Reader returns the pool used for SELECT queries.
func (s *Store) Reader() *sqlx.DB { return s.reader }

// DriverName returns the underlying sql driver name.
func (s *Store) DriverName() string { return s.writer.DriverName() }

// Path returns the SQLite database file path, or empty for Postgres.
func (s *Store) Path() string { return s.path }

// Close closes both pools.
func (s *Store) Close() error {
	wErr := s.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if s.reader != s.writer {
		if rErr := s.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// InTx runs fn inside a transaction on the writer pool, committing on nil
// and rolling back on error.
func (s *Store) InTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.writer.Beginx()
	if err != nil {
		return Classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return Classify(err)
	}
	return nil
}

func openSQLite(dbPath string) (*Store, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureSQLiteFile(normalized); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
	// - journal_mode=WAL: better read concurrency with a single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalized,
		int(defaultBusyTimeout/time.Millisecond),
	)
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalized,
		int(defaultBusyTimeout/time.Millisecond),
	)
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(defaultReaderConns)
	reader.SetMaxIdleConns(defaultReaderConns)

	return &Store{writer: writer, reader: reader, path: normalized}, nil
}

func openPostgres(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 5)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return &Store{writer: db, reader: db}, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

// Cleanup deletes the SQLite database file along with its WAL sidecars.
// It is a no-op for Postgres. Intended for test harnesses.
func Cleanup(cfg config.DatabaseConfig) error {
	if cfg.UsePostgres() {
		return nil
	}
	path := normalizeSQLitePath(cfg.Path)
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == "pgx"
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
