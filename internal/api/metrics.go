package api

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/hub"
)

// healthCheckTimeout bounds each dependency check made by /health.
const healthCheckTimeout = 2 * time.Second

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	Hub           hub.Stats        `json:"hub"`
	WebSocket     WSMetrics        `json:"websocket"`
	MQTT          MQTTMetrics      `json:"mqtt"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains live feed statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`

	SchemaVersion string `json:"schema_version,omitempty"`
}

// StatusResponse is returned by /status.
type StatusResponse struct {
	Version  string            `json:"version"`
	Hub      hub.Stats         `json:"hub"`
	Sessions map[string]string `json:"sessions"`
	Device   any               `json:"device"`
}

// handleHealth reports 200 when the bus connection and every configured
// dependency are usable, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	if s.bridge.Stats().Connected {
		checks["bus"] = "ok"
	} else {
		checks["bus"] = "disconnected"
		healthy = false
	}

	if s.database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.database.HealthCheck(ctx)
		cancel()
		if err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}

	if s.mqtt != nil {
		if s.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			healthy = false
		}
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.version,
		"checks":  checks,
	})
}

// handleStatus returns hub counters and the sessions currently attached.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	sessions := s.bridge.Sessions()
	if sessions == nil {
		sessions = map[string]string{}
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Version:  s.version,
		Hub:      s.bridge.Stats(),
		Sessions: sessions,
		Device:   s.deviceInfo,
	})
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Hub: s.bridge.Stats(),
		WebSocket: WSMetrics{
			ConnectedClients: s.live.ClientCount(),
		},
	}

	if s.mqtt != nil {
		metrics.MQTT = MQTTMetrics{Enabled: true, Connected: s.mqtt.IsConnected()}
	}

	// Pool stats are only available from a *sql.DB.
	if db, ok := s.database.(interface{ Stats() sql.DBStats }); ok {
		dbStats := db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}
	if db, ok := s.database.(interface {
		SchemaVersion(ctx context.Context) (string, error)
	}); ok && metrics.Database != nil {
		if v, err := db.SchemaVersion(r.Context()); err == nil {
			metrics.Database.SchemaVersion = v
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
