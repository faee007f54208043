// Package telemetry provides structured logging and OpenTelemetry wiring for
// go-sky. Logging redacts session tokens and app passwords before they reach
// any sink. When telemetry is disabled all otel operations are no-ops.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/go-sky/internal/shared"
)

// NewLogger builds a JSON slog logger writing to w (os.Stderr when nil).
// All string attributes pass through credential redaction.
func NewLogger(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if a.Value.Kind() == slog.KindString {
				if redacted := shared.RedactKeyValue(a.Key, a.Value.String()); redacted != a.Value.String() {
					return slog.String(a.Key, redacted)
				}
				return slog.String(a.Key, shared.Redact(a.Value.String()))
			}
			return a
		},
	})
	return slog.New(handler).With("component", "gosky")
}

func parseLevel(level string) slog.Level {
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
