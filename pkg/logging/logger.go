// Package logging configures the process-wide structured logger.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	global zerolog.Logger
	once   sync.Once
)

// Init configures the global logger. level is one of debug, info, warn,
// error; pretty switches from JSON to a human-readable console writer.
// Safe to call more than once; only the first call takes effect.
func Init(level string, pretty bool) {
	once.Do(func() {
		zerolog.SetGlobalLevel(parseLevel(level))

		var w = os.Stdout
		if pretty {
			global = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
				With().Timestamp().Logger()
			return
		}
		global = zerolog.New(w).With().Timestamp().Logger()
	})
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// For returns a logger scoped to a component name. Initializes the
// global logger with defaults if Init was never called.
func For(component string) zerolog.Logger {
	once.Do(func() {
		global = zerolog.New(os.Stdout).With().Timestamp().Logger()
	})
	return global.With().Str("component", component).Logger()
}
