package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/vbus-bridge/internal/audit"
	"github.com/nerrad567/vbus-bridge/internal/hub"
)

// BusWriteRequest is the body of POST /bus/write.
type BusWriteRequest struct {
	// Frames is one or more complete VBus messages, hex encoded.
	Frames string `json:"frames"`
}

// handleBusWrite injects raw messages onto the bus.
func (s *Server) handleBusWrite(w http.ResponseWriter, r *http.Request) {
	var req BusWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}

	n, err := s.bridge.Inject(req.Frames)
	switch {
	case errors.Is(err, hub.ErrInvalidInject):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	case errors.Is(err, hub.ErrUpstreamDown), errors.Is(err, hub.ErrWriteQueueFull):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("bus write failed", "error", err)
		writeInternalError(w, "bus write failed")
		return
	}

	s.auditLog(r.Context(), audit.ActionInject, audit.EntityBus, "", map[string]any{
		"messages": n,
		"bytes":    len(req.Frames) / 2, //nolint:mnd // two hex digits per byte
	})
	s.logger.Info("frames injected", "messages", n)
	writeJSON(w, http.StatusAccepted, map[string]any{"messages": n})
}
