// Package logger builds the process-wide zerolog logger and the
// session-scoped children the engine components log through.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls the root logger. Writer defaults to stdout; Console
// switches to human-readable output for interactive runs.
type Options struct {
	Level   string // trace, debug, info, warn, error
	Console bool
	Writer  io.Writer
}

// New builds the root logger. Unknown level strings fall back to info
// rather than failing startup.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	out := opts.Writer
	if out == nil {
		out = os.Stdout
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// ForSession returns a child logger stamped with the session identity,
// so every line a session emits carries its name and mode.
func ForSession(base zerolog.Logger, name, mode string) zerolog.Logger {
	return base.With().Str("session", name).Str("mode", mode).Logger()
}

// SetGlobal routes the zerolog package-level logger through l, so code
// using log.Info() directly shares the same sink and level.
func SetGlobal(l zerolog.Logger) {
	log.Logger = l
}
