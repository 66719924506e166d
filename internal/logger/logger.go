// Package logger builds the process-wide structured logger. Output is JSON
// by default and every attribute passes a redaction filter so credentials,
// token material, and password hashes never reach a log line.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

// requestIDKey carries the request/correlation id set by the transport layer.
const requestIDKey contextKey = "request_id"

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the log format (json, text).
	Format string
	// Output is the destination (stdout, stderr, or a file path).
	Output string
	// AddSource adds source file and line to entries.
	AddSource bool
}

// New creates a structured logger from configuration. Unknown levels fall
// back to info, unknown formats to JSON, unopenable file outputs to stdout.
func New(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = file
		}
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactSensitive,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}

// sensitiveKeys lists attribute keys that must never be logged raw. Matching
// is case-insensitive and includes substring hits (e.g. "new_password").
var sensitiveKeys = []string{
	"password",
	"password_hash",
	"token",
	"token_hash",
	"access_token",
	"refresh_token",
	"secret",
	"authorization",
	"credential",
	"api_key",
	"private_key",
}

func redactSensitive(groups []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, sensitive := range sensitiveKeys {
		if key == sensitive || strings.Contains(key, sensitive) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}

// WithRequestID returns a child logger carrying the request id from ctx, or
// the logger unchanged when none is set.
func WithRequestID(ctx context.Context, logger *slog.Logger) *slog.Logger {
	id := RequestID(ctx)
	if id == "" {
		return logger
	}
	return logger.With(slog.String("request_id", id))
}

// RequestID extracts the request id from ctx, or "".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// SetRequestID stores a request id in ctx for downstream log correlation.
func SetRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}
