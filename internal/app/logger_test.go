package app

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestLevelLoggerFiltersBelowMinimum(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	l := NewLogger(LogLevelWarn, &buf)

	l.Debug("hidden %d", 1)
	l.Info("hidden %d", 2)
	l.Warn("shown %s", "warn")
	l.Error("shown %s", "error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("messages below warn were logged: %q", out)
	}
	if !strings.Contains(out, "WARN: shown warn\n") || !strings.Contains(out, "ERROR: shown error\n") {
		t.Errorf("unexpected output: %q", out)
	}

	l.SetLevel(LogLevelDebug)
	l.Debug("now %s", "visible")
	if !strings.Contains(buf.String(), "DEBUG: now visible") {
		t.Errorf("debug not logged after SetLevel: %q", buf.String())
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LogLevelDebug,
		" INFO ":  LogLevelInfo,
		"warning": LogLevelWarn,
		"error":   LogLevelError,
		"":        LogLevelWarn,
		"chatty":  LogLevelWarn,
	}
	for in, want := range tests {
		if got := LogLevelFromString(in); got != want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetLoggerIgnoresNil(t *testing.T) {
	prev := GetLogger()
	defer SetLogger(prev)

	SetLogger(nil)
	if GetLogger() != prev {
		t.Error("SetLogger(nil) replaced the logger")
	}
}
