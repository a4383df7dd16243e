package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewWritesToFileAtLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	logger, err := New(Options{Level: "warn", Format: "json", File: path})
	if err != nil {
		t.Fatalf("new logger failed: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("visible")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file failed: %v", err)
	}
	if strings.Contains(string(data), "hidden") || !strings.Contains(string(data), "visible") {
		t.Fatalf("unexpected log output %s", data)
	}
}

func TestSetLevel(t *testing.T) {
	logger, err := New(Options{Format: "console"})
	if err != nil {
		t.Fatalf("new logger failed: %v", err)
	}
	if logger.Level() != zapcore.InfoLevel {
		t.Fatalf("expected default info level, got %s", logger.Level())
	}
	if err := logger.SetLevel("debug"); err != nil {
		t.Fatalf("set level failed: %v", err)
	}
	if logger.Level() != zapcore.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.Level())
	}
	if err := logger.SetLevel("loud"); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatalf("expected unsupported format error")
	}
	if _, err := New(Options{Level: "chatty"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
