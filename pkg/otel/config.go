package otel

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Protocol is the OTLP transport.
type Protocol string

const (
	ProtocolGRPC         Protocol = "grpc"
	ProtocolHTTPProtobuf Protocol = "http/protobuf"
	ProtocolHTTPJSON     Protocol = "http/json"
)

// SignalType is an OTLP signal.
type SignalType string

const (
	SignalTraces  SignalType = "traces"
	SignalMetrics SignalType = "metrics"
)

const (
	defaultGRPCHost       = "localhost:4317"
	defaultHTTPHost       = "localhost:4318"
	defaultTimeout        = 10 * time.Second
	defaultMetricInterval = 60 * time.Second
)

// ExporterConfig is the resolved OTLP exporter setup of one signal.
type ExporterConfig struct {
	Signal   SignalType
	Protocol Protocol
	// Endpoint is host:port. URLPath applies to HTTP only; empty means the
	// exporter's default path.
	Endpoint string
	URLPath  string
	Insecure bool
	Headers  map[string]string
	Timeout  time.Duration
	Gzip     bool
}

// IsTracingEnabled reports whether OTEL_TRACING_ENABLED is set and the SDK is
// not disabled as a whole through OTEL_SDK_DISABLED.
func IsTracingEnabled() bool {
	return signalEnabled("OTEL_TRACING_ENABLED")
}

// IsMetricsEnabled is the metrics counterpart of IsTracingEnabled.
func IsMetricsEnabled() bool {
	return signalEnabled("OTEL_METRICS_ENABLED")
}

func signalEnabled(key string) bool {
	if isTrue(os.Getenv("OTEL_SDK_DISABLED")) {
		return false
	}
	return isTrue(os.Getenv(key))
}

// MetricExportInterval is the periodic reader interval, OTEL_METRIC_EXPORT_INTERVAL
// (milliseconds or a Go duration), 60s by default.
func MetricExportInterval() time.Duration {
	return parseDuration(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL"), defaultMetricInterval)
}

// signalEnv reads the OTLP exporter variables of one signal.
type signalEnv SignalType

func (s signalEnv) specific(name string) string {
	return os.Getenv("OTEL_EXPORTER_OTLP_" + strings.ToUpper(string(s)) + "_" + name)
}

// get prefers OTEL_EXPORTER_OTLP_<SIGNAL>_<NAME> over OTEL_EXPORTER_OTLP_<NAME>.
func (s signalEnv) get(name string) string {
	if v := s.specific(name); v != "" {
		return v
	}
	return os.Getenv("OTEL_EXPORTER_OTLP_" + name)
}

// GetExporterConfig resolves the exporter of signal from the standard
// OTEL_EXPORTER_OTLP_* variables.
func GetExporterConfig(signal SignalType) ExporterConfig {
	env := signalEnv(signal)

	cfg := ExporterConfig{
		Signal:   signal,
		Protocol: parseProtocol(env.get("PROTOCOL")),
		Headers:  parseHeaders(env.get("HEADERS")),
		Timeout:  parseDuration(env.get("TIMEOUT"), defaultTimeout),
		Gzip:     strings.EqualFold(strings.TrimSpace(env.get("COMPRESSION")), "gzip"),
	}

	raw, exact := env.specific("ENDPOINT"), true
	if raw == "" {
		raw, exact = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), false
	}
	cfg.Endpoint, cfg.URLPath, cfg.Insecure = splitEndpoint(raw, exact, signal, cfg.Protocol)

	if v := env.get("INSECURE"); v != "" {
		cfg.Insecure = isTrue(v)
	}
	return cfg
}

func parseProtocol(s string) Protocol {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "grpc":
		return ProtocolGRPC
	case "http/json":
		// The OTLP/HTTP exporters only speak protobuf.
		slog.Warn("OTLP http/json is not supported, using http/protobuf")
		return ProtocolHTTPJSON
	default:
		return ProtocolHTTPProtobuf
	}
}

// splitEndpoint turns an endpoint setting into host:port and URL path. An
// exact (signal-specific) endpoint keeps its path; a base endpoint gets
// /v1/<signal> appended over HTTP. gRPC ignores any path. A missing scheme
// means https.
func splitEndpoint(raw string, exact bool, signal SignalType, protocol Protocol) (host, path string, insecure bool) {
	signalPath := "/v1/" + string(signal)

	if strings.TrimSpace(raw) == "" {
		if protocol == ProtocolGRPC {
			return defaultGRPCHost, "", true
		}
		return defaultHTTPHost, signalPath, true
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		slog.Warn("Invalid OTLP endpoint, using default", "signal", signal, "endpoint", raw, "error", err)
		return splitEndpoint("", exact, signal, protocol)
	}

	insecure = u.Scheme == "http"
	if protocol == ProtocolGRPC {
		return u.Host, "", insecure
	}

	path = u.Path
	if !exact && !strings.HasSuffix(path, signalPath) {
		path = strings.TrimSuffix(path, "/") + signalPath
	}
	return u.Host, path, insecure
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// parseHeaders parses "key1=value1,key2=value2". Values keep everything after
// the first '=' untrimmed, so base64 padding survives.
func parseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}

// parseDuration accepts a Go duration ("10s") or integer milliseconds
// ("10000"), falling back to def.
func parseDuration(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
