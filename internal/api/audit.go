package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/audit"
)

// auditLog queues an entry attributed to the token's subject.
func (s *Server) auditLog(ctx context.Context, action, entityType, entityID string, details map[string]any) {
	if s.auditW == nil {
		return
	}
	s.auditW.Record(&audit.AuditLog{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     userIDFromContext(ctx),
		Source:     audit.SourceAPI,
		Details:    details,
	})
}

// handleListAuditLogs returns paginated audit log entries.
//
// Query parameters:
//   - action: create, update, delete, inject
//   - entity_type: via_tag, bus
//   - entity_id: a specific tag
//   - source: api, mqtt
//   - since: RFC 3339 timestamp
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Source:     q.Get("source"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit logs", "error", err)
		writeInternalError(w, "failed to list audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
