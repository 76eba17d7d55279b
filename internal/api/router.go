package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/vbus-bridge/internal/auth"
	"github.com/nerrad567/vbus-bridge/internal/discovery"
	"github.com/nerrad567/vbus-bridge/internal/panel"
)

// panelPath is where the browser live view is served.
const panelPath = "/ui"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.accessLog, s.recoverPanics, limitBody)

	// Discovery tools fetch this after a UDP reply.
	r.Get(discovery.DeviceInfoPath, s.handleDeviceInfo)

	// Browser live view.
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, panelPath+"/", http.StatusFound)
	})
	r.Mount(panelPath, http.StripPrefix(panelPath, panel.Handler(s.cfg.PanelDir)))

	livePath := s.wsCfg.Path
	if livePath == "" {
		livePath = "/api/v1/live"
	}
	r.With(s.requirePermission(auth.PermLiveRead)).Get(livePath, s.handleLive)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.requirePermission(auth.PermStatusRead))
			r.Get("/status", s.handleStatus)
			r.Get("/metrics", s.handleMetrics)
		})

		r.With(s.requirePermission(auth.PermBusWrite)).Post("/bus/write", s.handleBusWrite)

		if s.directory != nil {
			r.Route("/via-tags", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermViaTagsRead)).Get("/", s.handleListViaTags)
				r.Route("/{tag}", func(r chi.Router) {
					r.With(s.requirePermission(auth.PermViaTagsRead)).Get("/", s.handleGetViaTag)
					r.Group(func(r chi.Router) {
						r.Use(s.requirePermission(auth.PermViaTagsManage))
						r.Put("/", s.handlePutViaTag)
						r.Delete("/", s.handleDeleteViaTag)
					})
				})
			})
		}

		if s.auditRepo != nil {
			r.With(s.requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAuditLogs)
		}
	})

	return r
}

// handleDeviceInfo serves the key = "value" document read by discovery
// tools.
func (s *Server) handleDeviceInfo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.deviceInfo.Format())) //nolint:errcheck // best-effort response write
}
