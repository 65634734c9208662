// Package plog is the structured logger shared by the orchestrator's
// components: slog underneath, a compact line format on top.
package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger is a slog.Logger whose With keeps the plog type.
type Logger struct {
	*slog.Logger
}

// lineHandler writes one line per record: a level marker, the message,
// then comma-separated key=value pairs. Handler attrs precede record attrs.
type lineHandler struct {
	level  slog.Leveler
	output io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	switch {
	case r.Level >= slog.LevelError:
		b.WriteString("❌ ")
	case r.Level >= slog.LevelWarn:
		b.WriteString("⚠️  ")
	case r.Level >= slog.LevelInfo:
		b.WriteString("ℹ️  ")
	default:
		b.WriteString("🔍 ")
	}

	b.WriteString(r.Message)

	first := true
	write := func(a slog.Attr) bool {
		if a.Equal(slog.Attr{}) {
			return true
		}
		if first {
			b.WriteString(" ")
			first = false
		} else {
			b.WriteString(", ")
		}
		b.WriteString(a.Key)
		b.WriteString("=")
		b.WriteString(a.Value.Resolve().String())
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(write)

	b.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.output, b.String())
	return err
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &lineHandler{level: h.level, output: h.output, mu: h.mu, attrs: merged}
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	// groups are flattened
	return h
}

// NewLogger writes records at or above level to output (stdout when nil).
func NewLogger(level slog.Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	handler := &lineHandler{
		level:  level,
		output: output,
		mu:     &sync.Mutex{},
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewDefault logs info and above to stdout.
func NewDefault() *Logger {
	return NewLogger(slog.LevelInfo, os.Stdout)
}

// NewVerbose includes debug records.
func NewVerbose() *Logger {
	return NewLogger(slog.LevelDebug, os.Stdout)
}

// Discard drops everything. Used by tests.
func Discard() *Logger {
	return NewLogger(slog.LevelError+1, io.Discard)
}

// With returns a Logger carrying the given attributes on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}
