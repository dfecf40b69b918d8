package cli

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// newLogger writes human-readable lines to w unless jsonLines is set.
func newLogger(w io.Writer, verbose, jsonLines bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	out := w
	if !jsonLines {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
