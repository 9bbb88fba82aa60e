package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.Component("scheduler").
		WithSession("s1").
		WithTask("build.api", "v-0123456789").
		WithError(errors.New("boom")).
		Info("task failed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log line %q: %v", buf.String(), err)
	}

	want := map[string]string{
		"component": "scheduler",
		"session":   "s1",
		"action":    "build.api",
		"version":   "v-0123456789",
		"error":     "boom",
		"message":   "task failed",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("Expected %s=%q, got %v", k, v, entry[k])
		}
	}
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("Expected info to be filtered, got %q", buf.String())
	}
	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Error("Expected warn to be written")
	}
}

func TestLogger_Sampling(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggingConfig{Level: "info", Format: "json", SampleBurst: 2, SampleEvery: 1000}, &buf)

	for i := 0; i < 5; i++ {
		logger.Info("tick")
	}
	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	if lines < 2 || lines >= 5 {
		t.Errorf("Expected the burst to be logged and the rest sampled, got %d lines", lines)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestTelemetry_LogFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agraph.log")
	if err := os.WriteFile(path, []byte("previous run\n"), 0644); err != nil {
		t.Fatalf("Failed to seed log file: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Logging.Format = "console"
	cfg.Logging.Output = path

	var fallback bytes.Buffer
	tel, err := NewTelemetry(cfg, &fallback)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	tel.Logger.Component("cli").Info("written to file")
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	out := string(data)
	if !strings.HasPrefix(out, "previous run\n") {
		t.Errorf("Expected log file to be appended to, got %q", out)
	}
	if !strings.Contains(out, "written to file") || !strings.Contains(out, "component=cli") {
		t.Errorf("Expected entry in log file, got %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("Expected no color codes in log file, got %q", out)
	}
	if fallback.Len() != 0 {
		t.Errorf("Expected nothing on the fallback writer, got %q", fallback.String())
	}
}

func TestOpenOutput(t *testing.T) {
	var fallback bytes.Buffer
	for _, output := range []string{"", "stderr"} {
		w, f, err := OpenOutput(output, &fallback)
		if err != nil || f != nil || w != &fallback {
			t.Errorf("Expected fallback writer for %q, got %v %v %v", output, w, f, err)
		}
	}
	if w, _, _ := OpenOutput("stdout", &fallback); w != os.Stdout {
		t.Error("Expected stdout")
	}
	if _, _, err := OpenOutput(filepath.Join(t.TempDir(), "missing", "agraph.log"), &fallback); err == nil {
		t.Error("Expected error for a log file in a missing directory")
	}
}
