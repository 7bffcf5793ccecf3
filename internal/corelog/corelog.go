// Package corelog is the scheduling core's logger, adapted from the
// teacher's pkg/log/log.go: same global-logger-plus-With* child logger
// shape, with fields for this domain (run spec, plan, instance) instead of
// node/service/task ids.
package corelog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance every package in this module logs
// through, either directly or via a With* child logger.
var Logger zerolog.Logger

// Level is the configured minimum severity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration, set once at process start.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the global logger. Call once at startup before any
// component logs.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent scopes a child logger to a package/worker name, e.g.
// "schedcore", "executor".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRunSpecID scopes a child logger to one run spec id.
func WithRunSpecID(id string) zerolog.Logger {
	return Logger.With().Str("run_spec_id", id).Logger()
}

// WithPlanID scopes a child logger to one deployment plan id.
func WithPlanID(id string) zerolog.Logger {
	return Logger.With().Str("plan_id", id).Logger()
}

// WithInstanceID scopes a child logger to one instance id.
func WithInstanceID(id string) zerolog.Logger {
	return Logger.With().Str("instance_id", id).Logger()
}
