// Package logging builds the process logger. Console output when stderr is a
// terminal, JSON otherwise; level comes from BOOKALIGN_LOG.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New constructs the root logger for the CLI process.
func New(levelStr string) zerolog.Logger {
	var output io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) {
		output = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.Kitchen,
		}
	}
	return zerolog.New(output).
		Level(ParseLevel(levelStr)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel converts a string log level to zerolog.Level, defaulting to info.
func ParseLevel(levelStr string) zerolog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Stage returns a child logger tagged with the stage name. Every stage logs
// through one of these so lines are attributable in interleaved output.
func Stage(log zerolog.Logger, stage string) zerolog.Logger {
	return log.With().Str("stage", stage).Logger()
}

// Tee returns a logger that writes console-formatted lines (no color) to
// stderr and the same events to w.
// Stage directories keep a log.txt alongside their artifacts.
func Tee(log zerolog.Logger, w io.Writer) zerolog.Logger {
	return log.Output(zerolog.MultiLevelWriter(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
		NoColor:    true,
	}, w))
}
