// Package logging provides structured logging for the subnet authority.
//
// This package wraps a package-level zap logger with convenience functions
// for the logging patterns used across the daemon. Components receive a
// named child logger (see Named) so every line carries its origin.
//
// # Log Levels
//
// The package supports standard log levels:
//   - Debug: Detailed debugging info (every browser event, skipped records)
//   - Info: Normal operations (startup, new service types, hash changes)
//   - Warn: Non-fatal issues (persistence failures, dropped resolves)
//   - Error: Failures that stop a component
//
// # Structured Logging
//
// All log functions use structured fields for queryability:
//
//	logging.Info("Service type discovered",
//	    zap.String("service_type", "_ipp._tcp"),
//	)
//
// # Specialized Logging
//
// Browser events:
//
//	logging.LogBrowserEvent(logger, ev)
//
// HTTP requests (used by the API middleware):
//
//	logging.LogHTTPRequest(logger, remoteAddr, method, path, status, latency)
//
// # Configuration
//
// Initialize logging at startup:
//
//	if err := logging.Initialize("debug", "console"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// When no level is given the SUBNET_AUTHORITY_LOG_LEVEL environment variable
// is consulted. When neither is set logging is silent, which keeps one-shot
// CLI commands quiet.
//
// # Output Format
//
// Logs are written to stdout in console format by default, or as JSON lines
// when the format is "json":
//
//	2025-11-25T10:30:45.123-0800  INFO  cache  Hash changed  {"hash": "3f2a..."}
package logging
