package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"transit511/pkg/anomaly"
	"transit511/pkg/metrics"
	"transit511/pkg/normalize"
	"transit511/pkg/otel"
	"transit511/pkg/profiling"
	"transit511/pkg/siri"
	"transit511/pkg/types"

	"github.com/google/uuid"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultStatsEvery = 5

	// Trailing windows of the periodic totals report.
	totalsActiveWindow = 10 * time.Minute
	totalsAlertWindow  = time.Hour

	shutdownTimeout = 10 * time.Second
)

// Fetcher returns the raw vehicle activities of one agency. It never fails;
// faults yield an empty slice.
type Fetcher interface {
	FetchVehicleActivity(ctx context.Context, agency string) []siri.Activity
}

// Store persists one pass and reports totals.
type Store interface {
	InsertObservations(ctx context.Context, observations []types.VehicleObservation) (int64, error)
	UpsertRoutes(ctx context.Context, observations []types.VehicleObservation) (int, error)
	SnapshotRouteStatistics(ctx context.Context, observations []types.VehicleObservation) (int, error)
	InsertAlerts(ctx context.Context, alerts []types.Alert) (int, error)
	Totals(ctx context.Context, activeWindow, alertWindow time.Duration) (types.Totals, error)
	Close() error
}

type Config struct {
	Agencies    []string
	Interval    time.Duration
	AgencyDelay time.Duration
	StatsEvery  int
	DryRun      bool
	Once        bool
	// Output receives the dry-run printout. Defaults to stdout.
	Output      io.Writer
}

// State is the position of the loop in its cycle:
// Idle -> FetchingAgency -> Persisting -> Sleeping -> FetchingAgency ... -> Stopped.
type State int32

const (
	StateIdle State = iota
	StateFetchingAgency
	StatePersisting
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingAgency:
		return "fetching_agency"
	case StatePersisting:
		return "persisting"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// AgencyCount is the number of observations one agency contributed to a pass.
type AgencyCount struct {
	Agency       string `json:"agency"`
	Observations int    `json:"observations"`
}

// PassResult summarizes one pass.
type PassResult struct {
	ID           string        `json:"id"`
	Number       int           `json:"number"`
	Agencies     []AgencyCount `json:"agencies"`
	Observations int           `json:"observations"`
	Inserted     int64         `json:"inserted"`
	Routes       int           `json:"routes"`
	Alerts       int           `json:"alerts"`
	// Interrupted is set when cancellation arrived before persisting; nothing was written.
	Interrupted  bool          `json:"interrupted"`
}

type Pipeline struct {
	config     Config
	fetcher    Fetcher
	normalizer *normalize.Normalizer
	store      Store
	tracer     trace.Tracer
	out        io.Writer

	state   atomic.Int32
	onState func(State)
	sleep   func(ctx context.Context, d time.Duration) bool
	now     func() time.Time
}

func New(config Config, fetcher Fetcher, store Store) (*Pipeline, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("feed client is required")
	}

	if len(config.Agencies) == 0 {
		return nil, fmt.Errorf("at least one agency is required")
	}

	for _, agency := range config.Agencies {
		if !types.IsKnownAgency(agency) {
			return nil, fmt.Errorf("unknown agency %q", agency)
		}
	}

	if config.Interval <= 0 && !config.Once {
		return nil, fmt.Errorf("polling interval must be positive")
	}

	if config.AgencyDelay < 0 {
		return nil, fmt.Errorf("agency delay must not be negative")
	}

	if store == nil && !config.DryRun {
		return nil, fmt.Errorf("store is required unless in dry run mode")
	}

	if config.StatsEvery <= 0 {
		config.StatsEvery = DefaultStatsEvery
	}

	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	return &Pipeline{
		config:     config,
		fetcher:    fetcher,
		normalizer: normalize.NewNormalizer(),
		store:      store,
		tracer:     otelapi.Tracer("pipeline"),
		out:        out,
		sleep:      sleepContext,
		now:        time.Now,
	}, nil
}

// State reports where the loop currently is.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
	if p.onState != nil {
		p.onState(s)
	}
}

// Run executes passes until ctx is cancelled, or once in single-pass mode.
// On the way out it reports final totals and closes the store. It returns
// ctx.Err() when stopped by cancellation.
func (p *Pipeline) Run(ctx context.Context) error {
	slog.Info("Pipeline started",
		"agencies", p.config.Agencies,
		"interval", p.config.Interval,
		"agency_delay", p.config.AgencyDelay,
		"dry_run", p.config.DryRun,
		"once", p.config.Once,
	)

	defer p.shutdown(ctx)

	for pass := 1; ; pass++ {
		if ctx.Err() != nil {
			break
		}

		result, err := p.RunPass(ctx, pass)
		if err != nil {
			slog.Error("Pass failed", "pass", pass, "pass_id", result.ID, "error", err)
		}

		if p.config.Once {
			return nil
		}

		if pass%p.config.StatsEvery == 0 && ctx.Err() == nil {
			p.reportTotals(ctx)
		}

		p.setState(StateSleeping)
		if !p.sleep(ctx, p.config.Interval) {
			break
		}
	}

	return ctx.Err()
}

func (p *Pipeline) shutdown(ctx context.Context) {
	p.setState(StateStopped)

	if p.store == nil {
		slog.Info("Pipeline stopped")
		return
	}

	// The final report must not be cut short by the cancellation that stopped the loop.
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	p.reportTotals(finalCtx)

	if err := p.store.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}
	slog.Info("Pipeline stopped")
}

// RunPass fetches every agency in order, then detects and persists the
// combined batch. Store failures are returned; the pass is abandoned but the
// loop carries on.
func (p *Pipeline) RunPass(ctx context.Context, number int) (PassResult, error) {
	result := PassResult{ID: uuid.NewString(), Number: number}

	ctx, span := p.tracer.Start(ctx, "pipeline.pass",
		trace.WithAttributes(
			attribute.String("pass_id", result.ID),
			attribute.Int("pass_number", number),
			attribute.StringSlice("agencies", p.config.Agencies),
			attribute.Bool("dry_run", p.config.DryRun),
		),
	)
	defer span.End()

	start := time.Now()
	var batch []types.VehicleObservation

	for _, agency := range p.config.Agencies {
		if ctx.Err() != nil {
			result.Interrupted = true
			break
		}

		p.setState(StateFetchingAgency)
		observations := p.fetchAgency(ctx, agency)
		batch = append(batch, observations...)
		result.Agencies = append(result.Agencies, AgencyCount{Agency: agency, Observations: len(observations)})

		slog.Info("Fetched agency",
			"pass", number,
			"agency", agency,
			"observations", len(observations),
		)

		if !p.sleep(ctx, p.config.AgencyDelay) {
			result.Interrupted = true
			break
		}
	}
	result.Observations = len(batch)

	if result.Interrupted {
		slog.Warn("Pass interrupted before persisting, nothing written",
			"pass", number,
			"pass_id", result.ID,
			"observations_dropped", len(batch),
		)
		span.SetAttributes(attribute.Bool("interrupted", true))
		metrics.RecordPass(ctx, "interrupted", time.Since(start))
		return result, nil
	}

	alerts := anomaly.Detect(batch, p.now().UTC())
	result.Alerts = len(alerts)

	if p.config.DryRun {
		if err := p.printDryRun(ctx, result, batch, alerts); err != nil {
			otel.RecordError(span, err, otel.ErrorTypeValidation, false)
			metrics.RecordPass(ctx, "error", time.Since(start))
			return result, err
		}
		metrics.RecordPass(ctx, "ok", time.Since(start))
		metrics.RecordLastSuccessTimestamp()
		return result, nil
	}

	p.setState(StatePersisting)
	// A persist that has started runs to completion.
	if err := p.persist(context.WithoutCancel(ctx), batch, alerts, &result); err != nil {
		otel.RecordError(span, err, otel.ErrorTypeDatabase, true)
		metrics.RecordPass(ctx, "error", time.Since(start))
		return result, err
	}

	span.SetAttributes(
		attribute.Int("observations_count", result.Observations),
		attribute.Int64("rows_inserted", result.Inserted),
		attribute.Int("routes_updated", result.Routes),
		attribute.Int("alerts_count", result.Alerts),
		attribute.String("processing_duration", time.Since(start).String()),
	)
	otel.SetSpanOk(span)
	metrics.RecordPass(ctx, "ok", time.Since(start))
	metrics.RecordLastSuccessTimestamp()

	slog.Info("Pass complete",
		"pass", number,
		"pass_id", result.ID,
		"observations", result.Observations,
		"inserted", result.Inserted,
		"routes_updated", result.Routes,
		"alerts", result.Alerts,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	return result, nil
}

// fetchAgency fetches and normalizes one agency. The fetch is not cut short
// by cancellation; the client's own timeout bounds it.
func (p *Pipeline) fetchAgency(ctx context.Context, agency string) []types.VehicleObservation {
	ctx, span := p.tracer.Start(ctx, "pipeline.fetch_agency",
		trace.WithAttributes(attribute.String("agency", agency)),
	)
	defer span.End()

	var observations []types.VehicleObservation
	profiling.WithAgency(context.WithoutCancel(ctx), agency, func(ctx context.Context) {
		activities := p.fetcher.FetchVehicleActivity(ctx, agency)
		observations = p.normalizer.Activities(ctx, agency, activities)
	})

	span.SetAttributes(attribute.Int("observations_count", len(observations)))
	return observations
}

func (p *Pipeline) persist(ctx context.Context, batch []types.VehicleObservation, alerts []types.Alert, result *PassResult) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.persist")
	defer span.End()

	inserted, err := p.store.InsertObservations(ctx, batch)
	if err != nil {
		metrics.RecordError(ctx, "insert_observations")
		return fmt.Errorf("failed to insert observations: %w", err)
	}
	result.Inserted = inserted

	routes, err := p.store.UpsertRoutes(ctx, batch)
	if err != nil {
		metrics.RecordError(ctx, "upsert_routes")
		return fmt.Errorf("failed to update routes: %w", err)
	}
	result.Routes = routes

	if _, err := p.store.SnapshotRouteStatistics(ctx, batch); err != nil {
		metrics.RecordError(ctx, "route_statistics")
		return fmt.Errorf("failed to snapshot route statistics: %w", err)
	}

	if _, err := p.store.InsertAlerts(ctx, alerts); err != nil {
		metrics.RecordError(ctx, "insert_alerts")
		return fmt.Errorf("failed to insert alerts: %w", err)
	}
	metrics.RecordAlerts(ctx, countByType(alerts))

	return nil
}

func countByType(alerts []types.Alert) map[string]int {
	counts := make(map[string]int)
	for _, a := range alerts {
		counts[string(a.Type)]++
	}
	return counts
}

func (p *Pipeline) reportTotals(ctx context.Context) {
	if p.store == nil {
		return
	}

	totals, err := p.store.Totals(ctx, totalsActiveWindow, totalsAlertWindow)
	if err != nil {
		metrics.RecordError(ctx, "totals")
		slog.Error("Failed to read totals", "error", err)
		return
	}

	slog.Info("Store totals",
		"total_observations", totals.TotalObservations,
		"active_vehicles", totals.ActiveVehicles,
		"recent_alerts", totals.RecentAlerts,
	)
}

// sleepContext waits for d or until ctx is done. It reports whether the full
// wait elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// printDryRun writes what the pass would have persisted.
func (p *Pipeline) printDryRun(ctx context.Context, result PassResult, batch []types.VehicleObservation, alerts []types.Alert) error {
	_, span := p.tracer.Start(ctx, "pipeline.dry_run")
	defer span.End()

	w := p.out
	fmt.Fprintf(w, "\n=== DRY RUN - Pass %d (%s) ===\n", result.Number, result.ID)
	for _, a := range result.Agencies {
		fmt.Fprintf(w, "Agency %s: %d observations\n", a.Agency, a.Observations)
	}
	fmt.Fprintf(w, "Observations: %d\n", len(batch))
	fmt.Fprintf(w, "Alerts: %d\n", len(alerts))

	if len(batch) > 0 {
		fmt.Fprintln(w, "\nRows (as they would be stored):")
		fmt.Fprintln(w, "----------------------------------------")
	}
	for i, obs := range batch {
		line, err := json.Marshal(obs)
		if err != nil {
			return fmt.Errorf("failed to marshal observation %d: %w", i+1, err)
		}
		fmt.Fprintf(w, "Row %d: %s\n", i+1, line)
	}

	for i, alert := range alerts {
		line, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("failed to marshal alert %d: %w", i+1, err)
		}
		fmt.Fprintf(w, "Alert %d: %s\n", i+1, line)
	}

	fmt.Fprintln(w, "=== END DRY RUN ===")
	span.SetAttributes(
		attribute.Int("observations_count", len(batch)),
		attribute.Int("alerts_count", len(alerts)),
	)
	return nil
}
