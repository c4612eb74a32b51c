// Package logging builds the zerolog logger shared by all binaries. JSON
// output for production, console output for development.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a configured logger. Unknown levels fall back to info rather
// than failing startup.
func New(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
