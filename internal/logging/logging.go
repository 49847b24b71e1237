// Package logging provides zerolog-based structured logging for Envelope
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var root zerolog.Logger

func init() {
	// Sensible default until Init is called (tests, early startup)
	root = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// Init configures the root logger. Level is one of debug/info/warn/error;
// pretty enables human-readable console output instead of JSON.
func Init(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out = os.Stderr
	if pretty {
		cw := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		root = zerolog.New(cw).With().Timestamp().Logger().Level(lvl)
		return
	}
	root = zerolog.New(out).With().Timestamp().Logger().Level(lvl)
}

// WithComponent returns a child logger tagged with the component name.
// Every package obtains its logger through this.
func WithComponent(name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}
