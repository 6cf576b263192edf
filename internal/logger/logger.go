// Package logger provides structured logging for pagestore.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with pagestore-specific functionality.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger.
func NewLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "pagestore").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger.
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message.
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// TxnLogger returns a logger for transaction-manager operations.
func (l *Logger) TxnLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "txn").
			Str("operation", operation).
			Logger(),
	}
}

// PagerLogger returns a logger for pager/WAL operations.
func (l *Logger) PagerLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "pager").
			Str("operation", operation).
			Logger(),
	}
}

// LogCommit logs a group-commit batch with structured fields.
func (l *Logger) LogCommit(batchSize int, duration time.Duration, err error) {
	event := l.zlog.Debug().
		Str("component", "txn").
		Int("batch_size", batchSize).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "txn").
			Int("batch_size", batchSize).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("commit batch completed")
}

// LogCheckpoint logs a completed checkpoint.
func (l *Logger) LogCheckpoint(pagesWritten int, duration time.Duration, err error) {
	event := l.zlog.Info().
		Str("component", "pager").
		Int("pages_written", pagesWritten).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "pager").
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("checkpoint completed")
}

// LogGarbageCollect logs a completed garbage-collection pass.
func (l *Logger) LogGarbageCollect(pagesReclaimed int, duration time.Duration) {
	l.zlog.Debug().
		Str("component", "txn").
		Int("pages_reclaimed", pagesReclaimed).
		Dur("duration_ms", duration).
		Msg("garbage collection completed")
}

// LogDatabaseOpen logs a database being opened.
func (l *Logger) LogDatabaseOpen(path string, readOnly bool) {
	l.zlog.Info().
		Str("event", "database_open").
		Str("path", path).
		Bool("read_only", readOnly).
		Msg("pagestore database opened")
}

// LogDatabaseClose logs a database being closed.
func (l *Logger) LogDatabaseClose(path string) {
	l.zlog.Info().
		Str("event", "database_close").
		Str("path", path).
		Msg("pagestore database closed")
}

// Global logger instance.
var globalLogger *Logger

// InitGlobalLogger initializes the global logger.
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance.
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
