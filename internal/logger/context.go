package logger

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type contextKey string

const (
	syncIDKey contextKey = "sync_id"
	loggerKey contextKey = "logger"
)

// NewSyncID returns an identifier for one synchronization attempt.
func NewSyncID() string {
	return uuid.NewString()
}

// WithSyncID adds a sync ID to the context
func WithSyncID(ctx context.Context, syncID string) context.Context {
	return context.WithValue(ctx, syncIDKey, syncID)
}

// SyncIDFromContext extracts the sync ID from context
func SyncIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(syncIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger stores a logger instance in context
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns a logger from context, falling back to base and then
// to the default logger. The returned logger carries the sync ID if present.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	l := base
	if l == nil {
		l = Default()
	}
	if id := SyncIDFromContext(ctx); id != "" {
		l = l.With("sync_id", id)
	}
	return l
}
