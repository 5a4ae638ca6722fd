// Package log provides the structured logging interface used across shapserve.
//
// The interface is slog-compatible in shape (message plus alternating key/value fields) and is
// backed by zerolog in production. TestLogger captures records in memory for assertions.
//
// Example usage:
//
//	logger := log.GetLogger().With(
//	    log.ModelNameKey, "sample-gb-crc",
//	    log.RequestIDKey, reqID,
//	)
//	logger.Info("prediction served",
//	    log.SamplesKey, 12,
//	    log.DurationMsKey, 48,
//	)

package log

import (
	"context"
)

// Logger defines a structured logging interface compatible with Go's log/slog.
type Logger interface {
	// Debug logs a debug-level message with optional key/value fields.
	Debug(msg string, fields ...any)

	// Info logs an info-level message with optional key/value fields.
	Info(msg string, fields ...any)

	// Warn logs a warning-level message with optional key/value fields.
	Warn(msg string, fields ...any)

	// Error logs an error-level message. If the first field is an error it is attached
	// together with its stack trace; the remaining fields are key/value pairs.
	//
	// Example:
	//   logger.Error("artifact download failed",
	//       err,
	//       log.ArtifactKey, "model/model.json",
	//   )
	Error(msg string, fields ...any)

	// With returns a Logger that adds the given fields to every record.
	With(fields ...any) Logger

	// Enabled reports whether the logger emits records at the given level.
	Enabled(ctx context.Context, level Level) bool
}

// Level represents a logging level, compatible with slog.Level.
type Level int

// Standard logging levels, values are compatible with slog.Level.
const (
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LoggerProvider creates component loggers.
type LoggerProvider interface {
	// GetLogger returns the default logger instance.
	GetLogger() Logger

	// GetLoggerWithName returns a logger tagged with a component name.
	GetLoggerWithName(name string) Logger

	// SetLevel sets the minimum log level for all loggers created by this provider.
	SetLevel(level Level)
}
