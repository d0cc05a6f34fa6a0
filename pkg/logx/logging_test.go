package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestLoggerWritesFieldsAndCaller(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(Comp("dispatch"))
	log.Info("job sent", String("job", "j1"), Int("attempt", 2), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "job sent" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "dispatch" || m["job"] != "j1" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["attempt"] != float64(2) {
		t.Fatalf("attempt = %v", m["attempt"])
	}
	if m["err"] != "boom" {
		t.Fatalf("err = %v", m["err"])
	}
	if c, _ := m["caller"].(string); c == "" {
		t.Fatalf("expected caller field, got %v", m)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("hidden")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	log.Warn("shown")
	if buf.Len() == 0 {
		t.Fatal("expected warn output")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger is explicit, not zero")
	}
}

func TestParseLevel(t *testing.T) {
	if _, ok := ParseLevel("verbose"); ok {
		t.Fatal("unknown level accepted")
	}
	if lvl, ok := ParseLevel(" warning "); !ok || lvl != LevelWarn {
		t.Fatalf("ParseLevel(warning) = %v, %v", lvl, ok)
	}
}

func TestServiceApplySwapsSinks(t *testing.T) {
	path := t.TempDir() + "/out.log"
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()
	log = log.With(Comp("test"))

	log.Debug("hidden")
	log.Info("first")
	if err := svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	log.Debug("second")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "first") || !strings.Contains(lines[1], "second") {
		t.Fatalf("log file = %q", b)
	}
	if svc.Config().Level != "debug" {
		t.Fatalf("Config().Level = %q", svc.Config().Level)
	}
	if err := svc.Apply(Config{File: FileConfig{Enabled: true, Path: t.TempDir() + "/missing/x.log"}}); err == nil {
		t.Fatal("expected open error")
	}
}
