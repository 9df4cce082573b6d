package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// redactedKeys are attribute keys whose values never reach a log sink.
var redactedKeys = map[string]struct{}{
	"token":         {},
	"authorization": {},
	"password":      {},
}

const redacted = "[redacted]"

// SetupLogger builds the client logger: JSON to logFile and, unless quiet,
// text to stderr. The returned func closes the file.
func SetupLogger(logFile string, level slog.Level, quiet bool) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: level}
	var sinks []slog.Handler
	if !quiet {
		sinks = append(sinks, slog.NewTextHandler(os.Stderr, opts))
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		if !quiet {
			slog.Error("failed to open log file, using stderr only", "error", err, "file", logFile)
		}
		return newLogger(sinks...), func() error { return nil }
	}
	sinks = append(sinks, slog.NewJSONHandler(file, opts))

	return newLogger(sinks...), file.Close
}

// SetupLoggerWithWriters creates a logger with custom writers (for testing).
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	return newLogger(slog.NewTextHandler(stderr, opts), slog.NewJSONHandler(file, opts))
}

// newLogger fans out to sinks behind the redaction middleware.
func newLogger(sinks ...slog.Handler) *slog.Logger {
	if len(sinks) == 0 {
		return slog.New(slog.DiscardHandler)
	}
	handler := slogmulti.
		Pipe(
			slogmulti.NewWithAttrsInlineMiddleware(redactWithAttrs),
			slogmulti.NewHandleInlineMiddleware(redactHandle),
		).
		Handler(slogmulti.Fanout(sinks...))
	return slog.New(handler)
}

func redactHandle(ctx context.Context, record slog.Record, next func(context.Context, slog.Record) error) error {
	out := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return next(ctx, out)
}

func redactWithAttrs(attrs []slog.Attr, next func([]slog.Attr) slog.Handler) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = redactAttr(a)
	}
	return next(out)
}

func redactAttr(a slog.Attr) slog.Attr {
	if _, ok := redactedKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		out := make([]any, len(group))
		for i, g := range group {
			out[i] = redactAttr(g)
		}
		return slog.Group(a.Key, out...)
	}
	return a
}
