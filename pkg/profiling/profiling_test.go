package profiling

import (
	"context"
	"runtime/pprof"
	"testing"
	"time"
)

func TestConfigFromEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want Config
	}{
		{
			name: "defaults",
			want: Config{
				ServerAddress:   "http://localhost:4040",
				ApplicationName: "transit511",
				UploadRate:      15 * time.Second,
			},
		},
		{
			name: "explicit",
			env: map[string]string{
				"PYROSCOPE_PROFILING_ENABLED":   "yes",
				"PYROSCOPE_SERVER_ADDRESS":      "https://profiles.example.com",
				"PYROSCOPE_APPLICATION_NAME":    "transit511-staging",
				"PYROSCOPE_BASIC_AUTH_USER":     "123",
				"PYROSCOPE_BASIC_AUTH_PASSWORD": "secret",
				"PYROSCOPE_UPLOAD_RATE":         "1m",
			},
			want: Config{
				Enabled:           true,
				ServerAddress:     "https://profiles.example.com",
				ApplicationName:   "transit511-staging",
				BasicAuthUser:     "123",
				BasicAuthPassword: "secret",
				UploadRate:        time.Minute,
			},
		},
		{
			name: "bad upload rate keeps default",
			env:  map[string]string{"PYROSCOPE_UPLOAD_RATE": "often"},
			want: Config{
				ServerAddress:   "http://localhost:4040",
				ApplicationName: "transit511",
				UploadRate:      15 * time.Second,
			},
		},
	}

	keys := []string{
		"PYROSCOPE_PROFILING_ENABLED", "PYROSCOPE_SERVER_ADDRESS", "PYROSCOPE_APPLICATION_NAME",
		"PYROSCOPE_BASIC_AUTH_USER", "PYROSCOPE_BASIC_AUTH_PASSWORD", "PYROSCOPE_UPLOAD_RATE",
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range keys {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := ConfigFromEnv(); got != tt.want {
				t.Errorf("ConfigFromEnv() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestWithAgency_LabelsContext(t *testing.T) {
	called := false
	WithAgency(context.Background(), "SF", func(ctx context.Context) {
		called = true
		if v, ok := pprof.Label(ctx, "agency"); !ok || v != "SF" {
			t.Errorf("agency label = %q (present %v), want SF", v, ok)
		}
	})
	if !called {
		t.Error("fn was not called")
	}
}
