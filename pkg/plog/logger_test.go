package plog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.LevelInfo, &buf)

	logger.Info("submitted", "run", "abc", "job", "123")

	got := buf.String()
	if !strings.HasPrefix(got, "ℹ️  submitted") {
		t.Errorf("unexpected prefix: %q", got)
	}
	if !strings.Contains(got, "run=abc, job=123") {
		t.Errorf("attrs missing: %q", got)
	}
}

func TestLogger_WithCarriesAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.LevelDebug, &buf).With("run", "abc")

	logger.Warn("slow poll")

	if !strings.Contains(buf.String(), "slow poll run=abc") {
		t.Errorf("persistent attrs missing: %q", buf.String())
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(slog.LevelWarn, &buf)

	logger.Info("hidden")
	logger.Debug("hidden")

	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}
