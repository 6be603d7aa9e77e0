// Package logging configures the process-wide zerolog logger and hands
// out named component sub-loggers, in the style of the reference
// implementation's logger.Security()/logger.WebSocket() helpers.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide base logger. Initialize sets it up; until
// then it is zerolog's zero Logger, which writes nothing, and so are
// the sub-loggers Component derives from it.
var Log zerolog.Logger

// Initialize configures the global logger level and output format.
// pretty selects a human-readable console writer (development);
// otherwise JSON lines suitable for log aggregation (production).
func Initialize(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "kwm-client").Logger()
	Log.Info().Str("level", lvl.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Component returns a sub-logger tagged with the given component name.
// Used by serverconn, manager, helperproc, clientbroker, store, tunnel
// and cmd/kwmd instead of each constructing its own logger, so every line carries a consistent "component" field.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
