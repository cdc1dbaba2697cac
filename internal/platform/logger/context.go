package logger

import (
	"context"
	"log/slog"
)

// contextKey is a private type so only this package can place the
// logger in a context.
type contextKey struct{}

// WithContext returns a new context carrying the given logger.
// Handlers and stores retrieve it with FromContext so request-scoped
// attributes (trace IDs, source, owner) follow the call chain.
func WithContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext retrieves the logger stored in the context, falling back
// to the process default logger when none is present.
func FromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && log != nil {
		return log
	}
	return slog.Default()
}
