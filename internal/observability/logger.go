package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"dvf-dashboard/internal/config"
)

const serviceName = "dvf-dashboard"

// NewLogger builds the process logger on stdout. Records logged with a
// request context carry its request and trace IDs.
func NewLogger(cfg config.LoggerConfig) *slog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg config.LoggerConfig) *slog.Logger {
	level := parseLogLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level: level,
		// Source locations are noise outside debugging sessions.
		AddSource:   level <= slog.LevelDebug,
		ReplaceAttr: shortenDuration,
	}

	var base slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text", "console":
		base = slog.NewTextHandler(w, opts)
	default:
		base = slog.NewJSONHandler(w, opts)
	}

	return slog.New(&contextHandler{Handler: base}).With("service", serviceName)
}

// Component scopes a logger to one subsystem, e.g. "loader" or "sse".
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// shortenDuration renders durations as "1.5s" rather than nanosecond integers.
func shortenDuration(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		return slog.String(a.Key, a.Value.Duration().String())
	}
	return a
}

// contextHandler copies correlation IDs from the record's context.
type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		if id := GetRequestID(ctx); id != "" {
			r.AddAttrs(slog.String("request_id", id))
		}
		if id := TraceIDFromContext(ctx); id != "" {
			r.AddAttrs(slog.String("trace_id", id))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

type requestIDKey struct{}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey{}).(string); ok {
		return requestID
	}
	return ""
}
