package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("Invalid JSON log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestSessionLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})

	l.SessionLogger("sess-1", "doc-9").Info("polled").Send()

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line, got %d", len(lines))
	}
	got := lines[0]
	for k, want := range map[string]string{
		"service":     "docsplit",
		"component":   "session",
		"session_id":  "sess-1",
		"document_id": "doc-9",
	} {
		if got[k] != want {
			t.Errorf("%s = %v, want %q", k, got[k], want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "warn", Output: &buf})

	l.Info("hidden").Send()
	l.Warn("shown").Send()

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["level"] != "warn" {
		t.Fatalf("Expected only the warn line, got %v", lines)
	}
}

func TestLogSaveError(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "info", Output: &buf})

	l.LogSave("doc-1", "full", "", 3*time.Millisecond, errors.New("backend down"))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line, got %d", len(lines))
	}
	if lines[0]["level"] != "error" || lines[0]["error"] != "backend down" || lines[0]["save_kind"] != "full" {
		t.Errorf("unexpected log line %v", lines[0])
	}
}

func TestGrpcRequestLogging(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "info", Output: &buf})

	l.GrpcLogger("/docsplit.v1.Manipulation/Summarize").LogGrpcRequest(3*time.Millisecond, nil)
	l.GrpcLogger("/docsplit.v1.Manipulation/AddRotation").LogGrpcRequest(time.Millisecond, errors.New("boom"))

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	if lines[0]["level"] != "info" || lines[0]["component"] != "grpc" || lines[0]["method"] != "/docsplit.v1.Manipulation/Summarize" {
		t.Errorf("unexpected success line %v", lines[0])
	}
	if lines[1]["level"] != "error" || lines[1]["error"] != "boom" || lines[1]["method"] != "/docsplit.v1.Manipulation/AddRotation" {
		t.Errorf("unexpected failure line %v", lines[1])
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "info", Output: &buf})

	l.WithFields(map[string]interface{}{"pages_dir": "pages", "workers": 4}).Info("storage").Send()

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line, got %d", len(lines))
	}
	if lines[0]["pages_dir"] != "pages" || lines[0]["workers"] != float64(4) {
		t.Errorf("unexpected fields %v", lines[0])
	}
}
