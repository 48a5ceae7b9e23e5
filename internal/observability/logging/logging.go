// Package logging configures the global zerolog logger and hands out
// child loggers carrying pipeline context.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "json"}
}

// Init installs the global logger. Call once at startup, before any
// component logger is created.
func Init(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// Logger returns the global logger.
func Logger() zerolog.Logger {
	return log.Logger
}

// WithComponent tags a logger with the pipeline component name.
func WithComponent(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithSession tags a logger with a voice session id.
func WithSession(sessionID string) zerolog.Logger {
	return log.With().Str("sessionId", sessionID).Logger()
}

// WithStream tags a logger with a session and stream id.
func WithStream(sessionID, streamID string) zerolog.Logger {
	return log.With().
		Str("sessionId", sessionID).
		Str("streamId", streamID).
		Logger()
}
