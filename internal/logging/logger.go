// Package logging builds the process logger from configuration.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"gridrelay/internal/middleware"
)

// ParseLevel maps a config level name to a slog level; unknown names are info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a text or json logger writing to w. Format defaults to text.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// WithContext adds the request id carried by ctx, if any.
func WithContext(logger *slog.Logger, ctx context.Context) *slog.Logger {
	if id := middleware.GetRequestID(ctx); id != "" {
		return logger.With("request_id", id)
	}
	return logger
}
