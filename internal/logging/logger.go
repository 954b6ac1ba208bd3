package logging

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/muurk/subnet-authority/internal/model"
)

var logger *zap.Logger

// LogLevelEnvVar is the environment variable that controls logging verbosity.
// When unset or empty, logging is silent (no zap output).
// Valid values: "debug", "info", "warn", "error"
const LogLevelEnvVar = "SUBNET_AUTHORITY_LOG_LEVEL"

// Initialize creates a new logger with the specified level and format
// ("console" or "json").
// If level is empty, it checks SUBNET_AUTHORITY_LOG_LEVEL environment variable.
// If neither is set, logging is disabled (silent mode).
func Initialize(level, format string) error {
	// If no level provided, check environment variable
	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}

	// If still no level, use silent mode (nop logger)
	if level == "" {
		logger = zap.NewNop()
		return nil
	}

	zapLevel, err := ParseLevel(level)
	if err != nil {
		return err
	}

	var config zap.Config
	switch format {
	case "", "console":
		config = zap.Config{
			Encoding:      "console",
			EncoderConfig: zap.NewDevelopmentEncoderConfig(),
		}
		// Customize encoder for better readability
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "json":
		config = zap.Config{
			Encoding:      "json",
			EncoderConfig: zap.NewProductionEncoderConfig(),
		}
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err = config.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	return nil
}

// InitializeFromEnv initializes the logger from the SUBNET_AUTHORITY_LOG_LEVEL
// environment variable. CLI commands use this to stay silent by default.
func InitializeFromEnv() error {
	return Initialize("", "")
}

// ParseLevel maps a level name to a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if logger == nil {
		// Fallback to silent logger if not initialized
		logger = zap.NewNop()
	}
	return logger
}

// Named returns a child of the global logger for one component.
func Named(component string) *zap.Logger {
	return GetLogger().Named(component)
}

// Info logs an info message
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

// Debug logs a debug message
func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

// Warn logs a warning message
func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

// Fatal logs a fatal message and exits
func Fatal(msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, fields...)
}

// KeyFields returns the structured fields identifying an instance.
func KeyFields(key model.Key) []zap.Field {
	return []zap.Field{
		zap.String("service_type", key.ServiceType),
		zap.String("instance", key.Instance),
	}
}

// LogBrowserEvent logs a discovery event at debug level
func LogBrowserEvent(l *zap.Logger, ev model.BrowserEvent) {
	fields := []zap.Field{
		zap.Stringer("kind", ev.Kind),
		zap.String("service_type", ev.ServiceType),
	}
	if ev.Instance != "" {
		fields = append(fields, zap.String("instance", ev.Instance))
	}
	if ev.Entry != nil {
		fields = append(fields,
			zap.String("hostname", ev.Entry.Hostname),
			zap.Uint16("port", ev.Entry.Port),
			zap.Int("addresses", len(ev.Entry.Addresses)),
		)
	}
	l.Debug("Browser event", fields...)
}

// LogHTTPRequest logs a served HTTP request
func LogHTTPRequest(l *zap.Logger, remoteAddr, method, path string, status int, latency time.Duration) {
	l.Info("HTTP request",
		zap.String("remote_addr", remoteAddr),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("latency", latency),
	)
}

// Sync flushes any buffered log entries
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
