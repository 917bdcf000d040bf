// Package logging provides structured logging for chatsync using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Components derive from it.
var Logger zerolog.Logger

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format is the output format (json, console).
	Format string

	// Output is where logs are written (defaults to stderr).
	Output io.Writer
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "console",
		Output: os.Stderr,
	}
}

// Init replaces the base logger.
func Init(cfg Config) {
	Logger = New(cfg)
}

// New builds a logger without touching the global one.
func New(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05",
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(output).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// ParseLevel converts a level name to a zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Component creates a logger with a component field.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

func init() {
	Init(DefaultConfig())
}
