// Package logging configures zerolog for the recognition engine.
//
// All packages obtain their logger through New, which tags events with a
// component field so batch output from concurrent workers stays attributable.
// Log output goes to stderr; stdout is reserved for results.
package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	root     zerolog.Logger
	rootOnce sync.Once
)

// New returns a logger tagged with the given component name.
//
// The first call initializes the shared root logger: console output to
// stderr with timestamps, level taken from the DATEOCR_LOG_LEVEL
// environment variable (default "info").
func New(component string) zerolog.Logger {
	rootOnce.Do(func() {
		w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		root = zerolog.New(w).Level(levelFromEnv()).With().Timestamp().Logger()
	})
	return root.With().Str("component", component).Logger()
}

func levelFromEnv() zerolog.Level {
	switch strings.ToLower(os.Getenv("DATEOCR_LOG_LEVEL")) {
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
