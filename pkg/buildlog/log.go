// Package buildlog carries the zerolog logger through contexts and renders
// log events for humans.
package buildlog

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type logKey struct{}

// Log returns the logger attached to ctx or the global zerolog logger.
func Log(ctx context.Context) *zerolog.Logger {
	logger := ctx.Value(logKey{})
	if logger == nil {
		return &log.Logger
	}

	return logger.(*zerolog.Logger)
}

// WithLogger attaches the given logger to the context
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, logKey{}, logger)
}

// New builds the tool's logger. JSON output writes raw events to stderr,
// everything else goes through the ConsoleWriter.
func New(level zerolog.Level, json bool) zerolog.Logger {
	var out io.Writer = NewConsoleWriter(os.Stderr)
	if json {
		out = os.Stderr
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
