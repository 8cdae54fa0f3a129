// Package logging provides structured logging for Floodgate Core.
//
// It wraps log/slog so every component logs the same way: JSON in
// production, text on a workstation, and the service/version attributes on
// every record.
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
//	logger := logging.New(cfg.Logging, version)
//	gates := logger.Component("gates")
//	gates.Warn("status poll timed out", "device", ip, "consecutive", n)
//
// Never log MQTT or InfluxDB credentials.
package logging
