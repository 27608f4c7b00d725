// Package log provides structured logging for vault operations.
// By default, logging is disabled (no-op logger) for zero overhead.
// Embedding applications opt in by calling Init.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents the log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

var (
	mu     sync.RWMutex
	logger = zerolog.Nop()
)

// Init initializes the package logger. Until Init is called every log call
// is a no-op.
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

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	l := zerolog.New(output)
	if !cfg.JSONOutput {
		l = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		})
	}

	mu.Lock()
	logger = l.Level(level).With().Timestamp().Logger()
	mu.Unlock()
}

// Disable restores the no-op logger.
func Disable() {
	mu.Lock()
	logger = zerolog.Nop()
	mu.Unlock()
}

// Logger returns the current package logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger().With().Str("component", component).Logger()
}

// Debug logs a debug message.
func Debug(msg string) {
	l := Logger()
	l.Debug().Msg(msg)
}

// Info logs an info message.
func Info(msg string) {
	l := Logger()
	l.Info().Msg(msg)
}

// Warn logs a warning message.
func Warn(msg string) {
	l := Logger()
	l.Warn().Msg(msg)
}

// Error logs an error message with its cause.
func Error(msg string, err error) {
	l := Logger()
	l.Error().Err(err).Msg(msg)
}
