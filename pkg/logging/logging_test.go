package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestInitLogging_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transit511.log")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FILE", path)

	closeLog := InitLogging()
	t.Cleanup(func() {
		logrus.SetOutput(os.Stderr)
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	})

	if logrus.GetLevel() != logrus.WarnLevel {
		t.Errorf("logrus level = %v, want warn", logrus.GetLevel())
	}

	slog.Info("dropped")
	slog.Warn("kept")
	logrus.Warn("sql kept")
	closeLog()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	content := string(data)
	for _, want := range []string{"kept", "sql kept"} {
		if !strings.Contains(content, want) {
			t.Errorf("Log file missing %q:\n%s", want, content)
		}
	}
	if strings.Contains(content, "dropped") {
		t.Errorf("Log file should not contain info output:\n%s", content)
	}
}
