package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, data []byte) []Event {
	t.Helper()
	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestLoggerWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "client-1")
	logger.SetSessionID("s1")

	logger.Info(CategoryStore, "message_appended", "appended", map[string]any{"id": "m1"})
	logger.Warn(CategoryPhase, "invalid_transition", "rejected", nil)

	events := decodeLines(t, buf.Bytes())
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	first := events[0]
	if first.ClientID != "client-1" || first.SessionID != "s1" {
		t.Fatalf("expected client/session tags, got %+v", first)
	}
	if first.Category != CategoryStore || first.EventType != "message_appended" {
		t.Fatalf("unexpected event: %+v", first)
	}
	if first.Details["id"] != "m1" {
		t.Fatalf("details not preserved: %+v", first.Details)
	}
	if first.Timestamp.IsZero() {
		t.Fatal("timestamp should be set")
	}
	if events[1].Level != LevelWarn {
		t.Fatalf("level = %s, want warn", events[1].Level)
	}
}

func TestLoggerMinLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "")

	logger.Debug(CategoryPoll, "tick", "", nil)
	if buf.Len() != 0 {
		t.Fatal("debug should be filtered at default info level")
	}

	logger.SetMinLevel(LevelDebug)
	logger.Debug(CategoryPoll, "tick", "", nil)
	if len(decodeLines(t, buf.Bytes())) != 1 {
		t.Fatal("debug should be written once min level is debug")
	}

	buf.Reset()
	logger.SetMinLevel(LevelError)
	logger.Warn(CategoryPoll, "failed", "", nil)
	if buf.Len() != 0 {
		t.Fatal("warn should be filtered at error level")
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Info(CategoryEngine, "noop", "", nil)
	logger.SetMinLevel(LevelDebug)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close on nil logger: %v", err)
	}
}

func TestNewFileLogger(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "nested", "logs")
	logger, err := NewFileLogger(baseDir, "alice")
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	logger.Info(CategoryChannel, "opened", "", nil)
	logger.Error(CategoryAPI, "request_failed", "boom", nil)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	clientLog, err := os.ReadFile(filepath.Join(baseDir, "sessions", "alice.jsonl"))
	if err != nil {
		t.Fatalf("read client log: %v", err)
	}
	if got := len(decodeLines(t, clientLog)); got != 2 {
		t.Fatalf("client log events = %d, want 2", got)
	}

	errorLog, err := os.ReadFile(filepath.Join(baseDir, "errors.jsonl"))
	if err != nil {
		t.Fatalf("read error log: %v", err)
	}
	events := decodeLines(t, errorLog)
	if len(events) != 1 || events[0].EventType != "request_failed" {
		t.Fatalf("error log should contain only the error event, got %+v", events)
	}
}

func TestNewFileLoggerInvalidDirectory(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "file-not-dir")
	if err := os.WriteFile(filePath, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := NewFileLogger(filePath, "x"); err == nil {
		t.Fatal("expected error when baseDir is a file")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"": LevelInfo, "DEBUG": LevelDebug, " warn ": LevelWarn, "error": LevelError}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", raw, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
