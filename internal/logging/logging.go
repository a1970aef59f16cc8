// Package logging configures slog and carries run identifiers through
// contexts into log records.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	// RunIDKey is the context key for the run id.
	RunIDKey contextKey = "run_id"
	// TierKey is the context key for the tier label.
	TierKey contextKey = "tier"
	// RequestIDKey is the context key for the benchmark request id.
	RequestIDKey contextKey = "request_id"
)

// Config holds logging configuration.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
	Output io.Writer
}

// ParseLevel maps a level name to a slog level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// Setup builds a logger from cfg and installs it as the default.
func Setup(cfg Config) *slog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	logger := slog.New(&ContextHandler{Handler: handler})
	slog.SetDefault(logger)
	return logger
}

// ContextHandler adds identifiers stored in the context to each record.
type ContextHandler struct {
	slog.Handler
}

// Handle adds context values to the record before passing it on.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if v, ok := ctx.Value(RunIDKey).(string); ok && v != "" {
		r.AddAttrs(slog.String(string(RunIDKey), v))
	}
	if v, ok := ctx.Value(TierKey).(string); ok && v != "" {
		r.AddAttrs(slog.String(string(TierKey), v))
	}
	if v, ok := ctx.Value(RequestIDKey).(int64); ok {
		r.AddAttrs(slog.Int64(string(RequestIDKey), v))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithRunID adds a run id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithTier adds a tier label to the context.
func WithTier(ctx context.Context, tier string) context.Context {
	return context.WithValue(ctx, TierKey, tier)
}

// WithRequestID adds a benchmark request id to the context.
func WithRequestID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
