// Package logging holds the process-wide structured logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process-wide logger. It writes colored console output to
// stderr until Configure is called.
var Logger zerolog.Logger

func init() {
	Logger = newLogger(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}, zerolog.InfoLevel)
	log.Logger = Logger
}

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", "raspi-doctor").
		Logger()
}

// Configure replaces Logger according to level (debug|info|warn|error) and
// format (console|json). It is meant to be called once at startup.
func Configure(level, format string) error {
	return ConfigureWriter(os.Stderr, level, format)
}

// ConfigureWriter is Configure with an explicit destination.
func ConfigureWriter(w io.Writer, level, format string) error {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return fmt.Errorf("parse log level %q: %w", level, err)
		}
		lvl = parsed
	}

	switch strings.ToLower(format) {
	case "", "console":
		Logger = newLogger(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}, lvl)
	case "json":
		Logger = newLogger(w, lvl)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	log.Logger = Logger
	return nil
}

// Nop silences logging; tests use it to keep output clean.
func Nop() {
	Logger = zerolog.Nop()
	log.Logger = Logger
}

// With returns a child logger carrying the component name.
func With(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// Info starts an info level event.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Warn starts a warn level event.
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Error starts an error level event.
func Error() *zerolog.Event {
	return Logger.Error()
}

// Debug starts a debug level event.
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Fatal starts a fatal level event; Msg exits the process.
func Fatal() *zerolog.Event {
	return Logger.Fatal()
}
