// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	planIDKey
	runIDKey
)

// New creates a structured JSON logger on stdout.
func New(level slog.Leveler) *slog.Logger {
	return newJSON(os.Stdout, level)
}

func newJSON(w io.Writer, level slog.Leveler) *slog.Logger {
	if level == nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// ParseLevel accepts debug, info, warn or error. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// WithRequestID returns a new context with the given request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithPlanID tags the context with the plan being built or executed.
func WithPlanID(ctx context.Context, planID string) context.Context {
	return context.WithValue(ctx, planIDKey, planID)
}

// WithRunID tags the context with a headful run.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// FromContext returns a logger with the request, plan and run IDs found in ctx attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	var attrs []any
	if id := stringValue(ctx, requestIDKey); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if id := stringValue(ctx, planIDKey); id != "" {
		attrs = append(attrs, "plan_id", id)
	}
	if id := stringValue(ctx, runIDKey); id != "" {
		attrs = append(attrs, "run_id", id)
	}
	if len(attrs) == 0 {
		return base
	}
	return base.With(attrs...)
}
