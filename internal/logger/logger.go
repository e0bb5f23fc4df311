// Package logger configures the process-wide zerolog logger used by every
// orchestrator component.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide base logger. Components should call Component
// rather than write to Log directly, so every line carries its subsystem.
var Log zerolog.Logger

// Initialize configures the global logger. level is any zerolog level
// name ("debug", "info", "warn", "error"); pretty switches to a
// human-readable console writer for local development.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "ckad-orchestrator").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Component returns a logger scoped to a named subsystem, e.g.
// logger.Component("reaper") or logger.Component("terminal").
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
