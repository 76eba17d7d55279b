package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const selectColumns = "id, action, entity_type, entity_id, user_id, source, details, created_at"

// SQLiteRepository stores entries in the audit_logs table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository returns a repository over a migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts log, filling in ID and CreatedAt when empty.
func (r *SQLiteRepository) Create(ctx context.Context, log *AuditLog) error {
	if log.ID == "" {
		log.ID = "aud-" + uuid.NewString()[:8]
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	var details sql.NullString
	if len(log.Details) > 0 {
		b, err := json.Marshal(log.Details)
		if err != nil {
			return fmt.Errorf("audit: encoding details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO audit_logs ("+selectColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		log.ID, log.Action, log.EntityType,
		sql.NullString{String: log.EntityID, Valid: log.EntityID != ""},
		sql.NullString{String: log.UserID, Valid: log.UserID != ""},
		log.Source, details, timestamp(log.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("audit: inserting %s %s: %w", log.Action, log.EntityType, err)
	}
	return nil
}

// List returns one page of entries matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	filter = filter.normalised()
	where, args := whereClause(filter)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("audit: counting entries: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM audit_logs"+where+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("audit: querying entries: %w", err)
	}
	defer rows.Close()

	res := &ListResult{Logs: []AuditLog{}, Total: total, Limit: filter.Limit, Offset: filter.Offset}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res.Logs = append(res.Logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: reading entries: %w", err)
	}
	return res, nil
}

// Prune deletes entries created before cutoff.
func (r *SQLiteRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE created_at < ?", timestamp(cutoff))
	if err != nil {
		return 0, fmt.Errorf("audit: pruning: %w", err)
	}
	return res.RowsAffected()
}

// timestamp formats t so that string order matches time order.
func timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

// whereClause builds the WHERE clause from fixed column names.
func whereClause(f Filter) (string, []any) {
	var conds []string
	var args []any
	for _, c := range []struct{ column, value string }{
		{"action", f.Action},
		{"entity_type", f.EntityType},
		{"entity_id", f.EntityID},
		{"source", f.Source},
	} {
		if c.value != "" {
			conds = append(conds, c.column+" = ?")
			args = append(args, c.value)
		}
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, timestamp(f.Since))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEntry(rows *sql.Rows) (AuditLog, error) {
	var e AuditLog
	var entityID, userID, details sql.NullString
	var createdAt string
	if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &entityID, &userID, &e.Source, &details, &createdAt); err != nil {
		return e, fmt.Errorf("audit: scanning entry: %w", err)
	}
	e.EntityID, e.UserID = entityID.String, userID.String
	if details.Valid {
		// Details are informational; an undecodable blob is dropped.
		_ = json.Unmarshal([]byte(details.String), &e.Details) //nolint:errcheck // see above
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return e, fmt.Errorf("audit: entry %s has bad timestamp %q: %w", e.ID, createdAt, err)
	}
	e.CreatedAt = t
	return e, nil
}
