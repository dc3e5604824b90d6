// Package logging configures the process-wide structured logger and provides
// per-component child loggers.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level  string `json:"level"`
	Output string `json:"output"` // "stdout", "stderr", or file path
	// Pretty switches to the human console writer; production stays JSON.
	Pretty bool `json:"pretty"`
}

var (
	defaultLogger zerolog.Logger
	once          sync.Once
)

// ParseLevel converts a string to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a logger with the given configuration.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout
	switch {
	case cfg.Output == "stderr":
		output = os.Stderr
	case cfg.Output != "" && cfg.Output != "stdout":
		if file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			output = file
		}
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().Timestamp().Logger()
}

// Default returns the process default logger.
func Default() zerolog.Logger {
	once.Do(func() {
		defaultLogger = New(Config{Level: "info", Output: "stdout"})
	})
	return defaultLogger
}

// SetDefault replaces the process default logger.
func SetDefault(l zerolog.Logger) {
	once.Do(func() {})
	defaultLogger = l
}

// WithComponent returns a child of the default logger tagged with a component.
func WithComponent(component string) zerolog.Logger {
	return Default().With().Str("component", component).Logger()
}
