package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"transit511/pkg/otel"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	// meterProvider is the global meter provider
	meterProvider *sdkmetric.MeterProvider

	// Meter is the global meter for creating instruments
	Meter metric.Meter

	// lastSuccessTimestamp tracks the last successful ingestion pass (Unix timestamp)
	lastSuccessTimestamp atomic.Int64
)

// InitMetrics installs the OTLP meter provider when OTEL_METRICS_ENABLED is
// set. Until then every Record helper is a no-op. Exporter problems are
// logged and leave metrics off rather than failing startup.
func InitMetrics() (func(), error) {
	if !otel.IsMetricsEnabled() {
		slog.Debug("OpenTelemetry metrics is disabled")
		return func() {}, nil
	}

	cfg := otel.GetExporterConfig(otel.SignalMetrics)
	interval := otel.MetricExportInterval()

	mp, err := newMeterProvider(context.Background(), cfg, interval)
	if err != nil {
		slog.Warn("Metrics disabled", "error", err)
		return func() {}, nil
	}

	if err := install(mp); err != nil {
		slog.Error("Failed to initialize metric instruments", "error", err)
		return func() {}, nil
	}
	meterProvider = mp
	otelapi.SetMeterProvider(mp)

	if err := registerRuntimeMetrics(); err != nil {
		slog.Warn("Failed to register runtime metrics", "error", err)
	}

	slog.Debug("OpenTelemetry metrics initialized",
		"endpoint", cfg.Endpoint,
		"protocol", cfg.Protocol,
		"interval", interval,
	)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(ctx); err != nil {
			slog.Error("Error shutting down meter provider", "error", err)
		}
	}, nil
}

// newMeterProvider wires the OTLP exporter into a periodic reader.
func newMeterProvider(ctx context.Context, cfg otel.ExporterConfig, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	exporter, err := otel.NewMetricExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := otel.NewResource()
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	), nil
}

// install creates the application meter and every instrument on mp.
func install(mp metric.MeterProvider) error {
	Meter = mp.Meter(otel.ServiceName)
	if err := initializeInstruments(); err != nil {
		Meter = nil
		return err
	}
	return nil
}

// memGauge reads one field of runtime.MemStats.
type memGauge struct {
	name        string
	description string
	read        func(*runtime.MemStats) uint64
}

var memGauges = []memGauge{
	{"runtime.go.mem.heap_alloc", "Heap memory allocated", func(m *runtime.MemStats) uint64 { return m.HeapAlloc }},
	{"runtime.go.mem.heap_inuse", "Heap memory in use", func(m *runtime.MemStats) uint64 { return m.HeapInuse }},
	{"runtime.go.mem.sys", "Total memory obtained from OS", func(m *runtime.MemStats) uint64 { return m.Sys }},
}

// registerRuntimeMetrics registers observable gauges for the runtime and the
// pass heartbeat
func registerRuntimeMetrics() error {
	_, err := Meter.Int64ObservableGauge(
		"runtime.go.goroutines",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return err
	}

	_, err = Meter.Int64ObservableGauge(
		"pipeline.last_success.timestamp",
		metric.WithDescription("Unix timestamp of the last successful ingestion pass"),
		metric.WithUnit("s"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if ts := lastSuccessTimestamp.Load(); ts > 0 {
				o.Observe(ts)
			}
			return nil
		}),
	)
	if err != nil {
		return err
	}

	for _, g := range memGauges {
		read := g.read
		_, err = Meter.Int64ObservableGauge(
			g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("By"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				o.Observe(int64(read(&m)))
				return nil
			}),
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// RecordLastSuccessTimestamp records the current time as the last successful pass
func RecordLastSuccessTimestamp() {
	lastSuccessTimestamp.Store(time.Now().Unix())
}

// IsEnabled returns true if metrics collection is enabled
func IsEnabled() bool {
	return Meter != nil
}
