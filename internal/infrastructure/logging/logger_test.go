package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/vbus-bridge/internal/infrastructure/config"
)

func TestNew_Formats(t *testing.T) {
	for _, format := range []string{"json", "text", ""} {
		logger := New(config.LoggingConfig{Level: "info", Format: format, Output: "stderr"}, "1.0.0")
		if logger == nil {
			t.Fatalf("New(format=%q) returned nil", format)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLogger_OutputContainsDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "test", &buf)
	logger.Component("hub").Info("upstream connected", "url", "serial:///dev/ttyUSB0", "frame", []byte{0xAA, 0x10, 0x00})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}
	want := map[string]string{
		"service":   defaultService,
		"version":   "test",
		"component": "hub",
		"msg":       "upstream connected",
		"url":       "serial:///dev/ttyUSB0",
		"frame":     "AA1000",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("entry[%q] = %v, want %q", k, entry[k], v)
		}
	}
}

func TestLogger_ServiceOverrideAndLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(config.LoggingConfig{Level: "warn", Format: "text", Service: "vbuscustomizer"}, "1", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "service=vbuscustomizer") {
		t.Errorf("output %q missing service override", out)
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("nothing to see")
}
