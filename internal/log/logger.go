// Package log wires up structured logging for the changefeed engine.
// Grounded on the teacher's internal/shared/monitoring/logger.go.
package log

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level is the minimum severity a Logger emits.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format is the logger's output encoding.
type Format string

const (
	FormatJSON   Format = "json"   // structured, for log aggregation
	FormatPretty Format = "pretty" // human-readable, for local runs
)

// Config configures New.
type Config struct {
	Level     Level
	Format    Format
	Component string // e.g. "shard", "client" — the process role
}

// New builds a zerolog.Logger with timestamp, caller, and a service tag,
// per cfg.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(output).With().
		Timestamp().
		Caller().
		Str("service", "changefeed").
		Logger()

	if cfg.Component != "" {
		logger = logger.With().Str("role", cfg.Component).Logger()
	}
	return logger
}

// LogError logs err with msg and arbitrary context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is meant for a goroutine's deferred call: it logs a
// recovered panic with a stack trace but does not re-panic, so one
// dispatch goroutine's bug doesn't take the shard down with it.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
