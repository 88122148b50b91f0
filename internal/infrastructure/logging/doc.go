// Package logging provides structured logging for Jukebox Core.
//
// This package wraps Go's standard log/slog package so the control plane
// and the device agent log the same way.
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
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("device attached", "device_token", token)
//	logger.Error("checkpoint write failed", "error", err)
//
// Never log device tokens in full or admin bearer tokens.
package logging
