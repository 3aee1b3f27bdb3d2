package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_StdoutOnly(t *testing.T) {
	var buf bytes.Buffer
	l := newWithStdout(&buf, Options{Level: "warn"})
	defer l.Close()

	l.Info("dropped")
	l.Warn("kept", slog.String("k", "v"))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "kept" || line["k"] != "v" {
		t.Errorf("line = %v", line)
	}
}

func TestLogger_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")

	var buf bytes.Buffer
	l := newWithStdout(&buf, Options{Level: "info", File: path, MaxSizeMB: 1})
	l.Info("hello", slog.String("request_id", "r1"))
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, buf.Bytes()) {
		t.Errorf("file and stdout differ:\nfile:   %q\nstdout: %q", data, buf.Bytes())
	}
	if !bytes.Contains(data, []byte(`"request_id":"r1"`)) {
		t.Errorf("file = %q", data)
	}
}
