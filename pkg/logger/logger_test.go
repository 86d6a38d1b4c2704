package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", DebugLevel},
		{"DEBUG", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{" warning ", WarnLevel},
		{"error", ErrorLevel},
		{"unknown", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{DebugLevel, "debug"},
		{InfoLevel, "info"},
		{WarnLevel, "warn"},
		{ErrorLevel, "error"},
		{Level(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("Level.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		out = append(out, record)
	}
	return out
}

func TestNewWithWriter_JSONRecord(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&Config{Level: InfoLevel, Format: "json"}, &buf)

	log.With("component", "orchestrator").Info("saga completed", "saga_id", "s-1", "error", errors.New("none"))

	records := decodeLines(t, &buf)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	r := records[0]
	if r["message"] != "saga completed" {
		t.Errorf("message = %v", r["message"])
	}
	if r["level"] != "INFO" {
		t.Errorf("level = %v", r["level"])
	}
	if r["component"] != "orchestrator" || r["saga_id"] != "s-1" {
		t.Errorf("attributes missing: %v", r)
	}
	if r["error"] != "none" {
		t.Errorf("error = %v, want its message", r["error"])
	}
}

func TestSlogLogger_SetLevelIsShared(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithWriter(&Config{Level: InfoLevel, Format: "json"}, &buf)
	child := root.With("component", "recovery")

	child.Debug("hidden")
	root.SetLevel(DebugLevel)
	child.Debug("visible")

	if got := child.GetLevel(); got != DebugLevel {
		t.Errorf("child level = %v, want debug", got)
	}
	records := decodeLines(t, &buf)
	if len(records) != 1 || records[0]["message"] != "visible" {
		t.Errorf("records = %v, want only the visible one", records)
	}
}

func TestSlogLogger_TraceFields(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "saga.execute")
	defer span.End()

	var buf bytes.Buffer
	log := NewWithWriter(&Config{Level: InfoLevel, Format: "json"}, &buf)
	log.InfoContext(ctx, "step finished")
	log.InfoContext(context.Background(), "no span")

	records := decodeLines(t, &buf)
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0]["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v", records[0]["trace_id"])
	}
	if _, ok := records[1]["trace_id"]; ok {
		t.Error("record without span should not carry trace_id")
	}
}

func TestSlogLogger_WithContext(t *testing.T) {
	log := Discard()
	ctx := log.WithContext(context.Background())

	if FromContext(ctx) != log {
		t.Error("FromContext did not return the attached logger")
	}
	if FromContext(context.Background()) != Global() {
		t.Error("FromContext without a logger should return the global logger")
	}
}

func TestSetGlobal(t *testing.T) {
	previous := Global()
	t.Cleanup(func() { SetGlobal(previous) })

	replacement := Discard()
	SetGlobal(replacement)
	if Global() != replacement {
		t.Error("SetGlobal did not replace the global logger")
	}
	SetGlobal(nil)
	if Global() != replacement {
		t.Error("SetGlobal(nil) should be ignored")
	}
}

func TestNew_FileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "sagad.log")
	log := New(&Config{Level: InfoLevel, Format: "json", Output: logFile})

	log.Info("test message", "key", "value")
	if err := log.Close(); err != nil {
		t.Fatalf("unexpected error on close: %v", err)
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "test message") {
		t.Errorf("log file content = %q", content)
	}

	if err := log.With("component", "test").Close(); err != nil {
		t.Errorf("derived logger close = %v, want nil", err)
	}
}

func TestGetWriter(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		wantCloser bool
	}{
		{"stdout", "stdout", false},
		{"stderr", "stderr", false},
		{"empty", "", false},
		{"unwritable path falls back", "/nonexistent/path/to/file.log", false},
		{"file", filepath.Join(t.TempDir(), "out.log"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, closer := getWriter(tt.output)
			if tt.wantCloser != (closer != nil) {
				t.Errorf("closer = %v, wantCloser %v", closer, tt.wantCloser)
			}
			if closer != nil {
				closer.Close()
			}
		})
	}
}

func TestLevel_RoundTrip(t *testing.T) {
	for _, l := range []Level{DebugLevel, InfoLevel, WarnLevel, ErrorLevel} {
		if got := levelFromSlog(l.slogLevel()); got != l {
			t.Errorf("levelFromSlog(%v.slogLevel()) = %v", l, got)
		}
		if got := ParseLevel(l.String()); got != l {
			t.Errorf("ParseLevel(%q) = %v", l.String(), got)
		}
	}
	if got := Level(42).slogLevel(); got.String() != "INFO" {
		t.Errorf("out-of-range level maps to %v, want INFO", got)
	}
}

func TestNewWithWriter_TextFormatKeepsTraceFields(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "saga.compensate")
	defer span.End()

	var buf bytes.Buffer
	log := NewWithWriter(&Config{Level: DebugLevel, Format: "text"}, &buf)
	log.With("saga_id", "s-1").DebugContext(ctx, "compensating")

	line := buf.String()
	for _, want := range []string{"message=compensating", "level=DEBUG", "saga_id=s-1", "trace_id=" + span.SpanContext().TraceID().String()} {
		if !strings.Contains(line, want) {
			t.Errorf("text record %q missing %q", line, want)
		}
	}
}

func TestDiscard(t *testing.T) {
	log := Discard()
	log.Error("dropped")
	if got := log.GetLevel(); got != ErrorLevel {
		t.Errorf("Discard level = %v, want error", got)
	}
	if err := log.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
