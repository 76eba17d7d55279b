package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// HealthStatus is the operational status published by the bridge.
type HealthStatus string

// Health states.
const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// DefaultHealthInterval is the reporting period.
const DefaultHealthInterval = 30 * time.Second

// HealthTopic returns the retained health topic of a bridge.
func HealthTopic(bridgeID string) string {
	return "vbus/bridge/" + bridgeID + "/health"
}

// HealthMessage is the retained health payload.
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	Version       string       `json:"version,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Statistics    *Stats       `json:"statistics,omitempty"`
}

// HealthPublisher publishes health messages, typically over MQTT.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// StatsWriter records hub statistics as time-series points, typically
// in InfluxDB.
type StatsWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// StatsSource provides hub statistics.
type StatsSource interface {
	Stats() Stats
}

// HealthReporterConfig configures a HealthReporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Interval defaults to DefaultHealthInterval.
	Interval time.Duration

	// Source is the hub being reported on.
	Source StatsSource

	// Publisher and Writer are each optional.
	Publisher HealthPublisher
	Writer    StatsWriter
}

// HealthReporter periodically publishes hub health to MQTT and hub
// statistics to InfluxDB.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHealthInterval
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // best effort during shutdown
		h.publish(HealthStopping, "")
	})
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	h.writeStats()
	return h.publish(status, reason)
}

// LWTPayload returns the payload to register as the MQTT last will.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(HealthMessage{
		Bridge:    h.cfg.BridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "connection lost",
	})
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Source == nil {
		return HealthDegraded, "no hub"
	}
	if !h.cfg.Source.Stats().Connected {
		return HealthDegraded, "upstream disconnected"
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return nil
	}

	msg := HealthMessage{
		Bridge:        h.cfg.BridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Reason:        reason,
		Version:       h.cfg.Version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
	if h.cfg.Source != nil {
		stats := h.cfg.Source.Stats()
		msg.Statistics = &stats
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal health: %w", err)
	}
	return h.cfg.Publisher.Publish(HealthTopic(h.cfg.BridgeID), payload, 1, true)
}

// writeStats records one vbus_hub point.
func (h *HealthReporter) writeStats() {
	if h.cfg.Writer == nil || h.cfg.Source == nil {
		return
	}
	s := h.cfg.Source.Stats()
	connected := 0
	if s.Connected {
		connected = 1
	}
	h.cfg.Writer.WritePointWithTime("vbus_hub",
		map[string]string{"bridge": h.cfg.BridgeID},
		map[string]any{
			"connected":       connected,
			"subscribers":     s.Subscribers,
			"sessions":        s.Sessions,
			"bytes_in":        s.BytesIn,
			"bytes_out":       s.BytesOut,
			"packets":         s.Packets,
			"framing_errors":  s.FramingErrors,
			"checksum_errors": s.ChecksumErrors,
			"evictions":       s.Evictions,
			"reconnects":      s.Reconnects,
			"pending":         s.Pending,
		},
		time.Now(),
	)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
