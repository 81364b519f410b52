package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewWritesJSONToStdoutAndFile(t *testing.T) {
	var stdout bytes.Buffer
	base := filepath.Join(t.TempDir(), "logs", "gatewayd.log")
	logger, closer, err := New(Config{Level: "debug", File: base, Stdout: &stdout, Service: "gatewayd"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug().Str("wallet", "abc").Msg("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var event map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &event); err != nil {
		t.Fatalf("stdout is not json: %v (%q)", err, stdout.String())
	}
	if event["message"] != "hello" || event["wallet"] != "abc" || event["service"] != "gatewayd" {
		t.Fatalf("unexpected event %v", event)
	}

	data, err := os.ReadFile(base)
	if err != nil {
		t.Fatalf("read through pointer: %v", err)
	}
	if !strings.Contains(string(data), `"message":"hello"`) {
		t.Fatalf("file missing event: %q", data)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestLevelFilters(t *testing.T) {
	var stdout bytes.Buffer
	logger, _, err := New(Config{Level: "warn", Stdout: &stdout})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info().Msg("dropped")
	if stdout.Len() != 0 {
		t.Fatalf("info should be filtered at warn: %q", stdout.String())
	}
}

func TestRotatingWriterRollsBySizeAndDay(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 17, 23, 0, 0, 0, time.UTC)
	w, err := newRotatingWriter(filepath.Join(dir, "app.log"), 10, func() time.Time { return now })
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer w.Close()

	mustWrite := func(s string) {
		t.Helper()
		if _, err := w.Write([]byte(s)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	mustWrite("12345678")
	mustWrite("abcdef")
	now = now.Add(2 * time.Hour)
	mustWrite("next day")

	for name, want := range map[string]string{
		"app-2026-10-17.log":   "12345678",
		"app-2026-10-17-2.log": "abcdef",
		"app-2026-10-18.log":   "next day",
	} {
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != want {
			t.Fatalf("%s = %q, want %q", name, got, want)
		}
	}
	if got, _ := os.ReadFile(filepath.Join(dir, "app.log")); string(got) != "next day" {
		t.Fatalf("pointer should follow the active file, got %q", got)
	}
}
