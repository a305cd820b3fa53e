// Package obslog constructs the core's structured logger. One logger is
// built at process start and handed to each component's constructor;
// WithLogger/FromContext carry a logger through a context where a caller
// wants that. Nothing here is a mutable package-level singleton (design
// notes §9).
package obslog

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// New builds a service-tagged zerolog.Logger at the given level ("debug",
// "info", "warn", "error"). Unknown levels default to info.
func New(service, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stashed in ctx, or a disabled logger if
// none was set.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}
