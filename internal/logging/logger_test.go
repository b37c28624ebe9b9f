package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"

	"corefacility/internal/config"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := levelFromString(in, false); got != want {
			t.Fatalf("level %q: expected %v, got %v", in, want, got)
		}
	}
	if levelFromString("", true) != zapcore.DebugLevel {
		t.Fatal("expected empty level to default to debug in dev mode")
	}
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "corefacility.log")
	logger, err := New(config.Log{Level: "info", File: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("module installed")
	_ = logger.Sync()

	matches, err := filepath.Glob(path + ".*")
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one rotated file, got %v (%v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "module installed") {
		t.Fatalf("expected log line in file, got %q", data)
	}
}

func TestNewDevelopment(t *testing.T) {
	logger, err := New(config.Log{Dev: true})
	if err != nil {
		t.Fatalf("new dev logger: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug to be enabled in dev mode")
	}
}
