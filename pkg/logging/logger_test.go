package logging

import (
	"log/slog"
	"path/filepath"
	"testing"

	"doh-relay/pkg/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LoggingConfig
	}{
		{name: "text stdout", cfg: config.LoggingConfig{Level: "info", Format: "text", Output: "stdout"}},
		{name: "json stderr", cfg: config.LoggingConfig{Level: "debug", Format: "json", Output: "stderr"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(&tt.cfg)
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			if logger == nil || logger.Logger == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	logger, err := New(&config.LoggingConfig{
		Level:    "info",
		Format:   "text",
		Output:   "file",
		FilePath: path,
	})
	if err != nil {
		t.Fatalf("New() with file output failed: %v", err)
	}
	logger.Info("hello")
}

func TestNewFileOutputBadPath(t *testing.T) {
	_, err := New(&config.LoggingConfig{
		Level:    "info",
		Format:   "text",
		Output:   "file",
		FilePath: "/nonexistent-dir/relay.log",
	})
	if err == nil {
		t.Fatal("expected error for unwritable log path")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestGlobal(t *testing.T) {
	orig := Global()
	defer SetGlobal(orig)

	l := NewDefault()
	SetGlobal(l)
	if Global() != l {
		t.Error("Global() did not return the logger set by SetGlobal")
	}
}
