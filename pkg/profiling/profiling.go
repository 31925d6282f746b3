package profiling

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"transit511/pkg/otel"

	"github.com/grafana/pyroscope-go"
)

// Config is read from the PYROSCOPE_* environment.
type Config struct {
	Enabled           bool
	ServerAddress     string
	ApplicationName   string
	BasicAuthUser     string
	BasicAuthPassword string
	UploadRate        time.Duration
}

func ConfigFromEnv() Config {
	cfg := Config{
		Enabled:           isTrue(os.Getenv("PYROSCOPE_PROFILING_ENABLED")),
		ServerAddress:     os.Getenv("PYROSCOPE_SERVER_ADDRESS"),
		ApplicationName:   os.Getenv("PYROSCOPE_APPLICATION_NAME"),
		BasicAuthUser:     os.Getenv("PYROSCOPE_BASIC_AUTH_USER"),
		BasicAuthPassword: os.Getenv("PYROSCOPE_BASIC_AUTH_PASSWORD"),
		UploadRate:        15 * time.Second,
	}
	if cfg.ServerAddress == "" {
		cfg.ServerAddress = "http://localhost:4040"
	}
	if cfg.ApplicationName == "" {
		cfg.ApplicationName = otel.ServiceName
	}
	if d, err := time.ParseDuration(os.Getenv("PYROSCOPE_UPLOAD_RATE")); err == nil && d > 0 {
		cfg.UploadRate = d
	}
	return cfg
}

// InitProfiling starts continuous profiling when PYROSCOPE_PROFILING_ENABLED
// is set. A profiler that fails to start is logged and skipped.
func InitProfiling() (func(), error) {
	cfg := ConfigFromEnv()
	if !cfg.Enabled {
		slog.Debug("Pyroscope profiling is disabled")
		return func() {}, nil
	}

	pc := pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		UploadRate:      cfg.UploadRate,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": otel.ServiceName,
			"version": otel.Version,
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	}
	// Credentials only count as a pair.
	if cfg.BasicAuthUser != "" && cfg.BasicAuthPassword != "" {
		pc.BasicAuthUser = cfg.BasicAuthUser
		pc.BasicAuthPassword = cfg.BasicAuthPassword
	}

	profiler, err := pyroscope.Start(pc)
	if err != nil {
		slog.Warn("Failed to start Pyroscope profiler", "error", err)
		return func() {}, nil
	}

	slog.Debug("Pyroscope profiling started", "server", cfg.ServerAddress, "application", cfg.ApplicationName)

	return func() {
		if err := profiler.Stop(); err != nil {
			slog.Error("Error stopping Pyroscope profiler", "error", err)
			return
		}
		slog.Debug("Pyroscope profiler stopped")
	}, nil
}

// WithAgency runs fn with its profile samples labelled by agency.
func WithAgency(ctx context.Context, agency string, fn func(context.Context)) {
	pyroscope.TagWrapper(ctx, pyroscope.Labels("agency", agency), fn)
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
