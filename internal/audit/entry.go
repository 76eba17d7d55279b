package audit

import (
	"context"
	"time"
)

// Actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionInject = "inject"
)

// Entity types.
const (
	EntityViaTag = "via_tag"
	EntityBus    = "bus"
)

// Sources.
const (
	SourceAPI  = "api"
	SourceMQTT = "mqtt"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// AuditLog is one audit trail entry.
type AuditLog struct { //nolint:revive // audit.AuditLog reads better than audit.Log at call sites
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Source     string         `json:"source"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter selects entries for List. Empty fields match everything.
type Filter struct {
	Action     string
	EntityType string
	EntityID   string
	Source     string

	// Since excludes entries created before it.
	Since time.Time

	// Limit defaults to 50 and is capped at 200.
	Limit  int
	Offset int
}

func (f Filter) normalised() Filter {
	switch {
	case f.Limit <= 0:
		f.Limit = defaultLimit
	case f.Limit > maxLimit:
		f.Limit = maxLimit
	}
	f.Offset = max(f.Offset, 0)
	return f
}

// ListResult is one page of entries, newest first.
type ListResult struct {
	Logs   []AuditLog `json:"logs"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// Repository stores and lists audit entries.
type Repository interface {
	Create(ctx context.Context, log *AuditLog) error
	List(ctx context.Context, filter Filter) (*ListResult, error)

	// Prune deletes entries created before cutoff and returns how many
	// were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}
