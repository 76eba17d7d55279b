package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/vbus-bridge/internal/audit"
	"github.com/nerrad567/vbus-bridge/internal/directory"
)

// ViaTagRequest is the body of PUT /via-tags/{tag}.
type ViaTagRequest struct {
	Address     uint16 `json:"address"`
	Channel     uint8  `json:"channel"`
	Description string `json:"description,omitempty"`
}

// handleListViaTags returns every registered via tag.
func (s *Server) handleListViaTags(w http.ResponseWriter, r *http.Request) {
	entries, err := s.directory.List(r.Context())
	if err != nil {
		s.logger.Error("listing via tags", "error", err)
		writeInternalError(w, "failed to list via tags")
		return
	}
	if entries == nil {
		entries = []directory.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"via_tags": entries,
		"count":    len(entries),
	})
}

func (s *Server) handleGetViaTag(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	entry, err := s.directory.Resolve(r.Context(), tag)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeNotFound(w, "via tag not found")
			return
		}
		s.logger.Error("resolving via tag", "tag", tag, "error", err)
		writeInternalError(w, "failed to resolve via tag")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handlePutViaTag creates or replaces a via tag.
func (s *Server) handlePutViaTag(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")

	var req ViaTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}

	_, lookupErr := s.directory.Resolve(r.Context(), tag)
	action := audit.ActionUpdate
	if errors.Is(lookupErr, directory.ErrNotFound) {
		action = audit.ActionCreate
	}

	entry := directory.Entry{
		Tag:         tag,
		Address:     req.Address,
		Channel:     req.Channel,
		Description: req.Description,
	}
	if err := s.directory.Upsert(r.Context(), entry); err != nil {
		if errors.Is(err, directory.ErrInvalidEntry) {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		s.logger.Error("saving via tag", "tag", tag, "error", err)
		writeInternalError(w, "failed to save via tag")
		return
	}

	saved, err := s.directory.Resolve(r.Context(), tag)
	if err != nil {
		s.logger.Error("reading back via tag", "tag", tag, "error", err)
		writeInternalError(w, "failed to read via tag")
		return
	}
	s.auditLog(r.Context(), action, audit.EntityViaTag, tag, map[string]any{
		"address":     saved.Address,
		"channel":     saved.Channel,
		"description": saved.Description,
	})
	s.logger.Info("via tag saved", "tag", tag, "address", saved.Address, "channel", saved.Channel)
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteViaTag(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	if err := s.directory.Delete(r.Context(), tag); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeNotFound(w, "via tag not found")
			return
		}
		s.logger.Error("deleting via tag", "tag", tag, "error", err)
		writeInternalError(w, "failed to delete via tag")
		return
	}
	s.auditLog(r.Context(), audit.ActionDelete, audit.EntityViaTag, tag, nil)
	s.logger.Info("via tag deleted", "tag", tag)
	w.WriteHeader(http.StatusNoContent)
}
