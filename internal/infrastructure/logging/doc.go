// Package logging provides structured logging for the VBus bridge binaries.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the hub, sessions and the
// parameter tool.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//	  service: "vbusbridge"
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("session accepted", "remote", addr)
//	logger.Error("upstream lost", "error", err)
//
// # Security
//
// Never log the session credential or MQTT/InfluxDB secrets. Use
// config.Config.Redacted() when dumping configuration.
package logging
