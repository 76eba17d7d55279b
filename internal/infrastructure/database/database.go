package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const (
	dirMode  = 0o750
	fileMode = 0o600

	pingTimeout     = 5 * time.Second
	connMaxLifetime = time.Hour
	connMaxIdleTime = 30 * time.Minute
)

// DB is the bridge's SQLite database holding the via-tag directory and the
// audit log. Writes are serialised through a single connection.
type DB struct {
	*sql.DB
	path string
}

// Config mirrors the database section of the bridge configuration.
type Config struct {
	// Path is the database file, or MemoryPath. The parent directory of a
	// file is created if missing.
	Path string

	// WALMode enables write-ahead logging for file databases.
	WALMode bool

	// BusyTimeout is how long to wait for a lock, in seconds.
	BusyTimeout int
}

// dsn builds the go-sqlite3 connection string for cfg.
func dsn(cfg Config) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeout*int(time.Second/time.Millisecond)))
	if cfg.Path == MemoryPath {
		q.Set("mode", "memory")
		return "file::memory:?" + q.Encode()
	}
	if cfg.WALMode {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Open opens, creating if needed, the database at cfg.Path and pings it.
//
// Parameters:
//   - cfg: Database configuration
//
// Returns:
//   - *DB: Connected database, not yet migrated
//   - error: If the directory, file or connection cannot be set up
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("database: empty path")
	}
	onDisk := cfg.Path != MemoryPath
	if onDisk {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirMode); err != nil {
			return nil, fmt.Errorf("database: creating directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("database: opening %s: %w", cfg.Path, err)
	}
	// One connection: a single writer, and an in-memory database lives
	// exactly as long as its connection.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if onDisk {
		sqlDB.SetConnMaxLifetime(connMaxLifetime)
		sqlDB.SetConnMaxIdleTime(connMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // error path
		return nil, fmt.Errorf("database: connecting to %s: %w", cfg.Path, err)
	}

	if onDisk {
		_ = os.Chmod(cfg.Path, fileMode) //nolint:errcheck // best effort
	}
	return &DB{DB: sqlDB, path: cfg.Path}, nil
}

// Close closes the database. It is safe on a zero DB.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("database: closing: %w", err)
	}
	return nil
}

// Path returns the configured path.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck runs a trivial query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// BeginTx starts a transaction. Callers defer Rollback, which is a no-op
// after Commit.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("database: starting transaction: %w", err)
	}
	return tx, nil
}
