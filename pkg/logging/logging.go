package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

// Rotation settings for LOG_FILE.
const (
	maxSizeMB  = 10
	maxBackups = 7
	maxAgeDays = 7
)

// InitLogging configures the default slog logger and the logrus standard
// logger (used for SQL logging) from LOG_LEVEL and LOG_FILE.
// Supported levels: debug, info, warn/warning, error. Defaults to info.
// When LOG_FILE is set, output is written to stdout and to a rotated file.
// The returned function closes the file.
func InitLogging() func() {
	level := ParseLevel(os.Getenv("LOG_LEVEL"))

	var out io.Writer = os.Stdout
	closer := func() {}
	if path := os.Getenv("LOG_FILE"); path != "" {
		file := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, file)
		closer = func() { file.Close() }
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))

	logrus.SetOutput(out)
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
	logrus.SetLevel(logrusLevel(level))

	return closer
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsDebug reports whether LOG_LEVEL asks for debug output.
func IsDebug() bool {
	return ParseLevel(os.Getenv("LOG_LEVEL")) == slog.LevelDebug
}

func logrusLevel(level slog.Level) logrus.Level {
	switch {
	case level <= slog.LevelDebug:
		return logrus.DebugLevel
	case level <= slog.LevelInfo:
		return logrus.InfoLevel
	case level <= slog.LevelWarn:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}
