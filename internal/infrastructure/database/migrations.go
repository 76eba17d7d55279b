package database

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"sync"
	"time"
)

// Migration is one versioned schema change, read from a
// "YYYYMMDD_HHMMSS_name.up.sql" file and its optional ".down.sql" pair.
type Migration struct {
	Version string
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   string
	AppliedAt time.Time
}

var (
	sourceMu  sync.RWMutex
	sourceFS  fs.FS
	sourceDir = "."
)

// RegisterMigrations sets where Migrate reads its SQL files from. The
// migrations package registers the embedded set from its init function.
func RegisterMigrations(fsys fs.FS, dir string) {
	sourceMu.Lock()
	defer sourceMu.Unlock()
	sourceFS, sourceDir = fsys, dir
}

func registeredMigrations() (fs.FS, string) {
	sourceMu.RLock()
	defer sourceMu.RUnlock()
	return sourceFS, sourceDir
}

// Migrate applies pending migrations in version order, one transaction
// each. It stops at the first failure.
func (db *DB) Migrate(ctx context.Context) error {
	_, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		return err
	}
	for _, m := range pending {
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
				m.Version, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %s_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown reverts the newest applied migration. It is a no-op when
// nothing is applied.
func (db *DB) MigrateDown(ctx context.Context) error {
	applied, _, err := db.GetMigrationStatus(ctx)
	if err != nil || len(applied) == 0 {
		return err
	}
	newest := applied[len(applied)-1].Version

	all, err := loadMigrations()
	if err != nil {
		return err
	}
	i := slices.IndexFunc(all, func(m Migration) bool { return m.Version == newest })
	switch {
	case i < 0:
		return fmt.Errorf("migration %s is applied but has no file", newest)
	case all[i].DownSQL == "":
		return fmt.Errorf("migration %s has no down SQL", newest)
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, all[i].DownSQL); err != nil {
			return fmt.Errorf("reverting %s: %w", newest, err)
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", newest)
		return err
	})
}

// GetMigrationStatus returns the applied migrations and those still pending.
func (db *DB) GetMigrationStatus(ctx context.Context) (applied []MigrationRecord, pending []Migration, err error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return nil, nil, fmt.Errorf("creating schema_migrations: %w", err)
	}

	applied, err = db.appliedMigrations(ctx)
	if err != nil {
		return nil, nil, err
	}
	all, err := loadMigrations()
	if err != nil {
		return nil, nil, err
	}
	for _, m := range all {
		if !slices.ContainsFunc(applied, func(r MigrationRecord) bool { return r.Version == m.Version }) {
			pending = append(pending, m)
		}
	}
	return applied, pending, nil
}

// SchemaVersion returns the newest applied migration version, or "" on a
// fresh database.
func (db *DB) SchemaVersion(ctx context.Context) (string, error) {
	var version sql.NullString
	err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return "", nil
		}
		return "", fmt.Errorf("reading schema version: %w", err)
	}
	return version.String, nil
}

func (db *DB) appliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying schema_migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		var appliedAt string
		if err := rows.Scan(&r.Version, &appliedAt); err != nil {
			return nil, fmt.Errorf("scanning schema_migrations: %w", err)
		}
		r.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt) //nolint:errcheck // written by Migrate
		records = append(records, r)
	}
	return records, rows.Err()
}

func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// migrationFile is a parsed migration filename.
type migrationFile struct {
	Version string
	Name    string
	Up      bool
}

// parseMigrationFile splits "YYYYMMDD_HHMMSS_name.up.sql" into its parts.
func parseMigrationFile(filename string) (migrationFile, bool) {
	base, ok := strings.CutSuffix(filename, ".sql")
	if !ok {
		return migrationFile{}, false
	}
	var f migrationFile
	switch {
	case strings.HasSuffix(base, ".up"):
		base, f.Up = strings.TrimSuffix(base, ".up"), true
	case strings.HasSuffix(base, ".down"):
		base = strings.TrimSuffix(base, ".down")
	default:
		return migrationFile{}, false
	}

	date, rest, ok := strings.Cut(base, "_")
	if !ok {
		return migrationFile{}, false
	}
	clock, name, _ := strings.Cut(rest, "_")
	f.Version = date + "_" + clock
	f.Name = name
	return f, true
}

// loadMigrations reads the registered source. No source, or a missing
// directory, means no migrations.
func loadMigrations() ([]Migration, error) {
	fsys, dir := registeredMigrations()
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, entry := range entries {
		f, ok := parseMigrationFile(entry.Name())
		if entry.IsDir() || !ok {
			continue
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		m := byVersion[f.Version]
		if m == nil {
			m = &Migration{Version: f.Version}
			byVersion[f.Version] = m
		}
		if f.Up {
			m.Name, m.UpSQL = f.Name, string(body)
		} else {
			m.DownSQL = string(body)
		}
	}

	var out []Migration
	for _, m := range byVersion {
		if m.UpSQL != "" {
			out = append(out, *m)
		}
	}
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}
