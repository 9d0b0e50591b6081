// Package logging constructs the runtime's root zerolog logger. Components
// derive their own loggers from it with a "component" field.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns the root logger. jsonOutput selects machine-readable JSON
// lines; otherwise output is the human console format.
func New(level string, jsonOutput bool) zerolog.Logger {
	lvl := parseLevel(level)
	if jsonOutput {
		return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
	}
	cw := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
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
