package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Feed Metrics
var (
	// FeedRequestsTotal counts upstream requests by agency and outcome
	FeedRequestsTotal metric.Int64Counter

	// FeedRequestDuration measures the duration of upstream requests
	FeedRequestDuration metric.Float64Histogram

	// FeedResponseSize measures the size of upstream response bodies
	FeedResponseSize metric.Int64Histogram
)

// Normalizer Metrics
var (
	// NormalizerRecordsAccepted counts records turned into observations
	NormalizerRecordsAccepted metric.Int64Counter

	// NormalizerRecordsDiscarded counts records skipped as unusable
	NormalizerRecordsDiscarded metric.Int64Counter
)

// Pipeline Metrics
var (
	// PipelinePassesTotal counts ingestion passes by outcome
	PipelinePassesTotal metric.Int64Counter

	// PipelinePassDuration measures the duration of ingestion passes
	PipelinePassDuration metric.Float64Histogram

	// PipelineErrorsTotal counts errors by stage
	PipelineErrorsTotal metric.Int64Counter
)

// Store and Anomaly Metrics
var (
	// StoreRowsInserted counts newly inserted observation rows
	StoreRowsInserted metric.Int64Counter

	// AnomalyAlertsTotal counts alerts by type
	AnomalyAlertsTotal metric.Int64Counter
)

// initializeInstruments creates all metric instruments
func initializeInstruments() error {
	var err error

	FeedRequestsTotal, err = Meter.Int64Counter(
		"feed.requests.total",
		metric.WithDescription("Total upstream feed requests by agency and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	FeedRequestDuration, err = Meter.Float64Histogram(
		"feed.request.duration",
		metric.WithDescription("Duration of upstream feed requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	FeedResponseSize, err = Meter.Int64Histogram(
		"feed.response.size",
		metric.WithDescription("Size of upstream feed response bodies"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 10240, 102400, 1048576, 10485760), // 1KB to 10MB
	)
	if err != nil {
		return err
	}

	NormalizerRecordsAccepted, err = Meter.Int64Counter(
		"normalizer.records.accepted",
		metric.WithDescription("Vehicle records normalized into observations"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	NormalizerRecordsDiscarded, err = Meter.Int64Counter(
		"normalizer.records.discarded",
		metric.WithDescription("Vehicle records skipped as unusable"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	PipelinePassesTotal, err = Meter.Int64Counter(
		"pipeline.passes.total",
		metric.WithDescription("Total number of ingestion passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return err
	}

	PipelinePassDuration, err = Meter.Float64Histogram(
		"pipeline.pass.duration",
		metric.WithDescription("Duration of ingestion passes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0),
	)
	if err != nil {
		return err
	}

	PipelineErrorsTotal, err = Meter.Int64Counter(
		"pipeline.errors.total",
		metric.WithDescription("Total errors by stage"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	StoreRowsInserted, err = Meter.Int64Counter(
		"store.rows.inserted",
		metric.WithDescription("Observation rows newly inserted"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return err
	}

	AnomalyAlertsTotal, err = Meter.Int64Counter(
		"anomaly.alerts.total",
		metric.WithDescription("Alerts raised by type"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordFeedRequest records one upstream request. size is zero when no body was read.
func RecordFeedRequest(ctx context.Context, agency, status string, duration time.Duration, size int) {
	if !IsEnabled() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agency", agency),
		attribute.String("status", status),
	)
	FeedRequestsTotal.Add(ctx, 1, attrs)
	FeedRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if size > 0 {
		FeedResponseSize.Record(ctx, int64(size), metric.WithAttributes(attribute.String("agency", agency)))
	}
}

func RecordNormalized(ctx context.Context, agency string, accepted, discarded int) {
	if !IsEnabled() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agency", agency))
	NormalizerRecordsAccepted.Add(ctx, int64(accepted), attrs)
	NormalizerRecordsDiscarded.Add(ctx, int64(discarded), attrs)
}

// RecordPass records the outcome of one ingestion pass.
func RecordPass(ctx context.Context, status string, duration time.Duration) {
	if !IsEnabled() {
		return
	}
	PipelinePassesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	PipelinePassDuration.Record(ctx, duration.Seconds())
}

func RecordInserted(ctx context.Context, rows int64) {
	if !IsEnabled() {
		return
	}
	StoreRowsInserted.Add(ctx, rows)
}

// RecordAlerts counts alerts by type.
func RecordAlerts(ctx context.Context, counts map[string]int) {
	if !IsEnabled() {
		return
	}
	for kind, n := range counts {
		AnomalyAlertsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("type", kind)))
	}
}

func RecordError(ctx context.Context, stage string) {
	if !IsEnabled() {
		return
	}
	PipelineErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
