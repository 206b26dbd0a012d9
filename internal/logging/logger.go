// Package logging owns the zerolog bootstrap. Execution-path components
// take a component logger from here; background workers keep the plain
// log.Printf style.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var root zerolog.Logger

// Config holds logger configuration
type Config struct {
	Level      string
	JSONFormat bool
}

// Init configures the process-wide root logger. Call once from main before
// any component logger is taken.
func Init(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level := parseLevel(cfg.Level)
	if cfg.JSONFormat {
		root = zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
		return
	}
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	root = zerolog.New(cw).Level(level).With().Timestamp().Logger()
}

// Component returns a logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
