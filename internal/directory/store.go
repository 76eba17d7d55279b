package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/infrastructure/config"
)

// maxTagLength bounds the tag length accepted on a CONNECT line.
const maxTagLength = 64

// Entry is one via-tag registration.
type Entry struct {
	Tag         string    `json:"tag"`
	Address     uint16    `json:"address"`
	Channel     uint8     `json:"channel"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the tag format.
func (e Entry) Validate() error {
	if e.Tag == "" {
		return fmt.Errorf("%w: tag is required", ErrInvalidEntry)
	}
	if len(e.Tag) > maxTagLength {
		return fmt.Errorf("%w: tag longer than %d characters", ErrInvalidEntry, maxTagLength)
	}
	if strings.ContainsAny(e.Tag, " \t\r\n") {
		return fmt.Errorf("%w: tag %q contains whitespace", ErrInvalidEntry, e.Tag)
	}
	return nil
}

// Store is a SQLite-backed via-tag directory.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Resolve returns the entry registered for tag.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - tag: Via-tag as sent by the client
//
// Returns:
//   - Entry: The registration
//   - error: ErrNotFound if the tag is unknown
func (s *Store) Resolve(ctx context.Context, tag string) (Entry, error) {
	const query = `SELECT tag, address, channel, description, created_at, updated_at
		FROM via_tags WHERE tag = ?`
	row := s.db.QueryRowContext(ctx, query, tag)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, tag)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("resolving via-tag %s: %w", tag, err)
	}
	return e, nil
}

// ResolveVia implements session.ViaResolver.
func (s *Store) ResolveVia(ctx context.Context, tag string) (uint16, uint8, error) {
	e, err := s.Resolve(ctx, tag)
	if err != nil {
		return 0, 0, err
	}
	return e.Address, e.Channel, nil
}

const upsertQuery = `INSERT INTO via_tags (tag, address, channel, description)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (tag) DO UPDATE SET
		address = excluded.address,
		channel = excluded.channel,
		description = excluded.description,
		updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Upsert creates or replaces the entry for e.Tag.
func (s *Store) Upsert(ctx context.Context, e Entry) error {
	return upsert(ctx, s.db, e)
}

func upsert(ctx context.Context, db execer, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, upsertQuery, e.Tag, int(e.Address), int(e.Channel), e.Description); err != nil {
		return fmt.Errorf("upserting via-tag %s: %w", e.Tag, err)
	}
	return nil
}

// Delete removes a tag.
func (s *Store) Delete(ctx context.Context, tag string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM via_tags WHERE tag = ?", tag)
	if err != nil {
		return fmt.Errorf("deleting via-tag %s: %w", tag, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, tag)
	}
	return nil
}

// List returns all entries ordered by tag.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	const query = `SELECT tag, address, channel, description, created_at, updated_at
		FROM via_tags ORDER BY tag`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying via-tags: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning via-tag row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating via-tag rows: %w", err)
	}
	return entries, nil
}

// Seed upserts the configured tags in one transaction. Tags that exist
// only in the database are left alone.
func (s *Store) Seed(ctx context.Context, tags []config.ViaTagConfig) error {
	if len(tags) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting seed transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	for _, vt := range tags {
		e := Entry{
			Tag:         vt.Tag,
			Address:     uint16(vt.Address), //nolint:gosec // validated by config.Validate
			Channel:     uint8(vt.Channel),  //nolint:gosec // validated by config.Validate
			Description: vt.Description,
		}
		if err := upsert(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing seed: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                    Entry
		address, channel     int
		createdAt, updatedAt string
	)
	if err := row.Scan(&e.Tag, &address, &channel, &e.Description, &createdAt, &updatedAt); err != nil {
		return Entry{}, err
	}
	e.Address = uint16(address) //nolint:gosec // CHECK constraint in schema
	e.Channel = uint8(channel)  //nolint:gosec // CHECK constraint in schema
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
