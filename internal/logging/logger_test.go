package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerDefaults(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
	if logger.level != LevelInfo {
		t.Errorf("level = %v, want LevelInfo", logger.level)
	}
}

func TestLoggerLevelGating(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("installing breakpoint", "address", "0x1000")
	logger.Info("thread enumerated", "count", 3)
	if buf.Len() != 0 {
		t.Errorf("expected debug/info to be gated at warn level, got: %s", buf.String())
	}

	logger.Warn("relaxed protection left in place", "address", "0x2000")
	if !strings.Contains(buf.String(), "relaxed protection left in place") {
		t.Errorf("expected warn message in output, got: %s", buf.String())
	}
}

func TestLoggerKeyValueFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Debug("caught exception", "thread", 42, "kind", "breakpoint")
	output := buf.String()
	if !strings.Contains(output, "thread=42") || !strings.Contains(output, "kind=breakpoint") {
		t.Errorf("expected key=value pairs in output, got: %s", output)
	}
}

func TestLoggerPrintfStyle(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Debugf("landing address %#x resolved to %#x", 0x2003, 0x2000)
	if !strings.Contains(buf.String(), "landing address") {
		t.Errorf("expected formatted message, got: %s", buf.String())
	}
}

func TestDefaultLoggerIsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() should return the same logger instance")
	}
}

func TestSetDefaultAndGlobalFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))
	defer SetDefault(NewLogger(nil))

	Info("controller attached", "task", "self")
	if !strings.Contains(buf.String(), "controller attached") {
		t.Errorf("expected global Info to reach the default logger, got: %s", buf.String())
	}
}
