package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRespectsLevel(t *testing.T) {
	logger, closer, err := New(Config{Level: "warn", Output: "stdout"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if closer != nil {
		t.Fatal("expected stdout output not to need a closer")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatal("expected warn level to be enabled")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be disabled at warn")
	}
}

func TestNewDefaultsToInfoLevel(t *testing.T) {
	logger, _, err := New(Config{Output: "stdout"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info to be enabled by default")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug to be disabled by default")
	}
}

func TestNewWritesJSONToFileAndReturnsCloser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	logger, closer, err := New(Config{Level: "debug", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if closer == nil {
		t.Fatal("expected a file output to return a non-nil closer")
	}
	defer closer.Close()

	logger.Info("hello from the gateway", zap.String("route", "r1"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("expected a JSON log line, got %q: %v", line, err)
	}
	if entry["msg"] != "hello from the gateway" {
		t.Fatalf("unexpected msg field: %v", entry["msg"])
	}
	if entry["route"] != "r1" {
		t.Fatalf("expected the structured field to round-trip, got %v", entry["route"])
	}
	if _, ok := entry["time"]; !ok {
		t.Fatal("expected a time field from the encoder config")
	}
}

func TestGlobalSetGlobalRoundTrips(t *testing.T) {
	orig := Global()
	defer SetGlobal(orig)

	core, logs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core))

	Info("test info message", zap.Int("n", 1))
	Warn("test warn message")
	Error("test error message")
	Debug("test debug message")

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries at or above info level (debug filtered out), got %d", len(entries))
	}
	if entries[0].Message != "test info message" {
		t.Fatalf("unexpected first message: %q", entries[0].Message)
	}
}

func TestWithReturnsChildLoggerCarryingFields(t *testing.T) {
	orig := Global()
	defer SetGlobal(orig)

	core, logs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core))

	child := With(zap.String("component", "health"))
	child.Info("probe failed")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	found := false
	for _, f := range entries[0].Context {
		if f.Key == "component" && f.String == "health" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the child logger's field to be attached to the entry")
	}
}
