package ingest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"transit511/pkg/siri"
	"transit511/pkg/types"
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]siri.Activity
	calls     []string
	onFetch   func(agency string)
}

func (f *fakeFetcher) FetchVehicleActivity(ctx context.Context, agency string) []siri.Activity {
	f.mu.Lock()
	f.calls = append(f.calls, agency)
	f.mu.Unlock()
	if f.onFetch != nil {
		f.onFetch(agency)
	}
	return f.responses[agency]
}

type fakeStore struct {
	mu          sync.Mutex
	inserted    [][]types.VehicleObservation
	routeCalls  int
	statsCalls  int
	alerts      [][]types.Alert
	totalsCalls int
	closed      bool
	insertErrs  []error
}

func (s *fakeStore) InsertObservations(ctx context.Context, observations []types.VehicleObservation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.insertErrs) > 0 {
		err := s.insertErrs[0]
		s.insertErrs = s.insertErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	s.inserted = append(s.inserted, observations)
	return int64(len(observations)), nil
}

func (s *fakeStore) UpsertRoutes(ctx context.Context, observations []types.VehicleObservation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routeCalls++
	routes := make(map[string]bool)
	for _, o := range observations {
		if o.Route() != "" {
			routes[o.AgencyID+"/"+o.Route()] = true
		}
	}
	return len(routes), nil
}

func (s *fakeStore) SnapshotRouteStatistics(ctx context.Context, observations []types.VehicleObservation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsCalls++
	return 0, nil
}

func (s *fakeStore) InsertAlerts(ctx context.Context, alerts []types.Alert) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alerts)
	return len(alerts), nil
}

func (s *fakeStore) Totals(ctx context.Context, activeWindow, alertWindow time.Duration) (types.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalsCalls++
	return types.Totals{TotalObservations: 3, ActiveVehicles: 3, RecentAlerts: 2}, nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func activity(vehicle, line string, lat, lon, bearing float64) siri.Activity {
	return siri.Activity{
		"MonitoredVehicleJourney": map[string]interface{}{
			"VehicleRef":     vehicle,
			"LineRef":        line,
			"Bearing":        bearing,
			"RecordedAtTime": "2024-01-15T10:29:45Z",
			"VehicleLocation": map[string]interface{}{
				"Latitude":  lat,
				"Longitude": lon,
			},
		},
	}
}

// sampleFeed: two SF vehicles (one with an impossible bearing), one AC
// vehicle outside the service area, nothing from Caltrain.
func sampleFeed() *fakeFetcher {
	return &fakeFetcher{
		responses: map[string][]siri.Activity{
			"SF": {
				activity("1001", "14", 37.7749, -122.4194, 90),
				activity("1002", "14", 37.7750, -122.4180, 400),
			},
			"AC": {
				activity("2001", "51B", 40.0, -122.27, 180),
			},
		},
	}
}

type recordedSleeps struct {
	mu        sync.Mutex
	durations []time.Duration
}

func (r *recordedSleeps) add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations = append(r.durations, d)
}

func (r *recordedSleeps) count(d time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.durations {
		if got == d {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		Agencies:    []string{"SF", "AC", "CT"},
		Interval:    60 * time.Second,
		AgencyDelay: 2 * time.Second,
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		fetcher   Fetcher
		store     Store
		expectErr bool
		errMsg    string
	}{
		{
			name:    "valid config",
			config:  testConfig(),
			fetcher: &fakeFetcher{},
			store:   &fakeStore{},
		},
		{
			name: "valid config with dry run and no store",
			config: Config{
				Agencies: []string{"SF"},
				Interval: 30 * time.Second,
				DryRun:   true,
			},
			fetcher: &fakeFetcher{},
		},
		{
			name: "single pass needs no interval",
			config: Config{
				Agencies: []string{"CT"},
				Once:     true,
			},
			fetcher: &fakeFetcher{},
			store:   &fakeStore{},
		},
		{
			name:      "missing fetcher",
			config:    testConfig(),
			store:     &fakeStore{},
			expectErr: true,
			errMsg:    "feed client is required",
		},
		{
			name: "nil agencies",
			config: Config{
				Interval: 30 * time.Second,
			},
			fetcher:   &fakeFetcher{},
			store:     &fakeStore{},
			expectErr: true,
			errMsg:    "at least one agency is required",
		},
		{
			name: "unknown agency",
			config: Config{
				Agencies: []string{"SF", "BART"},
				Interval: 30 * time.Second,
			},
			fetcher:   &fakeFetcher{},
			store:     &fakeStore{},
			expectErr: true,
			errMsg:    `unknown agency "BART"`,
		},
		{
			name: "zero interval",
			config: Config{
				Agencies: []string{"SF"},
			},
			fetcher:   &fakeFetcher{},
			store:     &fakeStore{},
			expectErr: true,
			errMsg:    "polling interval must be positive",
		},
		{
			name: "negative agency delay",
			config: Config{
				Agencies:    []string{"SF"},
				Interval:    time.Second,
				AgencyDelay: -time.Second,
			},
			fetcher:   &fakeFetcher{},
			store:     &fakeStore{},
			expectErr: true,
			errMsg:    "agency delay must not be negative",
		},
		{
			name:      "missing store outside dry run",
			config:    testConfig(),
			fetcher:   &fakeFetcher{},
			expectErr: true,
			errMsg:    "store is required unless in dry run mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipeline, err := New(tt.config, tt.fetcher, tt.store)

			if tt.expectErr {
				if err == nil {
					t.Errorf("Expected error but got none")
					return
				}
				if err.Error() != tt.errMsg {
					t.Errorf("Expected error message '%s', got '%s'", tt.errMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			if pipeline == nil {
				t.Errorf("Expected non-nil pipeline")
				return
			}
			if pipeline.config.StatsEvery != DefaultStatsEvery {
				t.Errorf("StatsEvery = %d, want %d", pipeline.config.StatsEvery, DefaultStatsEvery)
			}
		})
	}
}

func newTestPipeline(t *testing.T, config Config, fetcher Fetcher, store Store) (*Pipeline, *recordedSleeps) {
	t.Helper()
	p, err := New(config, fetcher, store)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sleeps := &recordedSleeps{}
	p.sleep = func(ctx context.Context, d time.Duration) bool {
		sleeps.add(d)
		return ctx.Err() == nil
	}
	p.now = func() time.Time { return time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC) }
	return p, sleeps
}

func TestRunPass_FetchesDetectsAndPersists(t *testing.T) {
	fetcher := sampleFeed()
	store := &fakeStore{}
	p, sleeps := newTestPipeline(t, testConfig(), fetcher, store)

	result, err := p.RunPass(context.Background(), 1)
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}

	if strings.Join(fetcher.calls, ",") != "SF,AC,CT" {
		t.Errorf("fetch order = %v, want SF,AC,CT", fetcher.calls)
	}
	if got := sleeps.count(2 * time.Second); got != 3 {
		t.Errorf("agency delays = %d, want 3", got)
	}

	wantCounts := []AgencyCount{{"SF", 2}, {"AC", 1}, {"CT", 0}}
	if len(result.Agencies) != len(wantCounts) {
		t.Fatalf("per-agency counts = %v, want %v", result.Agencies, wantCounts)
	}
	for i, want := range wantCounts {
		if result.Agencies[i] != want {
			t.Errorf("agency %d = %+v, want %+v", i, result.Agencies[i], want)
		}
	}

	if len(store.inserted) != 1 {
		t.Fatalf("InsertObservations calls = %d, want 1", len(store.inserted))
	}
	batch := store.inserted[0]
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	if batch[0].VehicleID != "1001" || batch[2].AgencyID != "AC" {
		t.Errorf("batch not in agency order: %+v", batch)
	}

	if len(store.alerts) != 1 || len(store.alerts[0]) != 2 {
		t.Fatalf("alerts = %v, want one call with 2 alerts", store.alerts)
	}
	kinds := map[types.AlertType]string{}
	for _, a := range store.alerts[0] {
		kinds[a.Type] = a.VehicleID
	}
	if kinds[types.AlertInvalidHeading] != "1002" {
		t.Errorf("invalid heading alert vehicle = %q, want 1002", kinds[types.AlertInvalidHeading])
	}
	if kinds[types.AlertLocationAnomaly] != "2001" {
		t.Errorf("location alert vehicle = %q, want 2001", kinds[types.AlertLocationAnomaly])
	}

	if result.Inserted != 3 || result.Routes != 2 || result.Alerts != 2 {
		t.Errorf("result = %+v, want 3 inserted, 2 routes, 2 alerts", result)
	}
	if result.ID == "" {
		t.Error("expected a pass id")
	}
	if store.statsCalls != 1 {
		t.Errorf("SnapshotRouteStatistics calls = %d, want 1", store.statsCalls)
	}
}

func TestRunPass_InterruptedBeforePersisting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := sampleFeed()
	fetcher.onFetch = func(agency string) {
		if agency == "SF" {
			cancel()
		}
	}
	store := &fakeStore{}
	p, _ := newTestPipeline(t, testConfig(), fetcher, store)

	result, err := p.RunPass(ctx, 1)
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}

	if !result.Interrupted {
		t.Error("expected pass to be interrupted")
	}
	if len(fetcher.calls) != 1 {
		t.Errorf("fetch calls = %v, want only SF", fetcher.calls)
	}
	if result.Observations != 2 {
		t.Errorf("observations = %d, want 2 (SF finished its fetch)", result.Observations)
	}
	if len(store.inserted) != 0 || store.routeCalls != 0 || len(store.alerts) != 0 {
		t.Error("nothing should be written for an interrupted pass")
	}
}

func TestRunPass_StoreErrorAbandonsPass(t *testing.T) {
	store := &fakeStore{insertErrs: []error{errors.New("connection reset")}}
	p, _ := newTestPipeline(t, testConfig(), sampleFeed(), store)

	_, err := p.RunPass(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error = %v, want wrapped store error", err)
	}
	if store.routeCalls != 0 || len(store.alerts) != 0 {
		t.Error("later writes should not run after a failed insert")
	}
}

func TestRunPass_DryRun(t *testing.T) {
	var out bytes.Buffer
	config := testConfig()
	config.DryRun = true
	config.Output = &out

	p, _ := newTestPipeline(t, config, sampleFeed(), nil)

	result, err := p.RunPass(context.Background(), 1)
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if result.Observations != 3 || result.Alerts != 2 {
		t.Errorf("result = %+v, want 3 observations and 2 alerts", result)
	}

	printed := out.String()
	for _, want := range []string{
		"=== DRY RUN - Pass 1",
		"Agency SF: 2 observations",
		"Agency CT: 0 observations",
		`Row 1: {"vehicle_id":"1001"`,
		`"alert_type":"invalid_heading"`,
		"=== END DRY RUN ===",
	} {
		if !strings.Contains(printed, want) {
			t.Errorf("dry run output missing %q\n%s", want, printed)
		}
	}
}

func TestRun_Once(t *testing.T) {
	store := &fakeStore{}
	config := testConfig()
	config.Once = true
	p, sleeps := newTestPipeline(t, config, sampleFeed(), store)

	var states []State
	p.onState = func(s State) { states = append(states, s) }

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(store.inserted) != 1 {
		t.Errorf("passes persisted = %d, want 1", len(store.inserted))
	}
	if sleeps.count(config.Interval) != 0 {
		t.Error("single pass mode should not sleep between passes")
	}
	if store.totalsCalls != 1 {
		t.Errorf("totals reports = %d, want 1 final report", store.totalsCalls)
	}
	if !store.closed {
		t.Error("store should be closed on exit")
	}

	want := []State{StateFetchingAgency, StateFetchingAgency, StateFetchingAgency, StatePersisting, StateStopped}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d = %v, want %v", i, states[i], want[i])
		}
	}
	if p.State() != StateStopped {
		t.Errorf("final state = %v, want stopped", p.State())
	}
}

func TestRun_StatsCadenceAndShutdown(t *testing.T) {
	tests := []struct {
		name       string
		statsEvery int
		passes     int
		wantTotals int
	}{
		{"every second pass", 2, 4, 3},
		{"every fifth pass", 5, 4, 1},
		{"every pass", 1, 3, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			store := &fakeStore{}
			config := testConfig()
			config.StatsEvery = tt.statsEvery
			p, _ := newTestPipeline(t, config, sampleFeed(), store)

			passes := 0
			p.sleep = func(ctx context.Context, d time.Duration) bool {
				if d == config.Interval {
					passes++
					if passes == tt.passes {
						cancel()
						return false
					}
				}
				return ctx.Err() == nil
			}

			err := p.Run(ctx)
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run error = %v, want context.Canceled", err)
			}
			if len(store.inserted) != tt.passes {
				t.Errorf("passes persisted = %d, want %d", len(store.inserted), tt.passes)
			}
			if store.totalsCalls != tt.wantTotals {
				t.Errorf("totals reports = %d, want %d", store.totalsCalls, tt.wantTotals)
			}
			if !store.closed {
				t.Error("store should be closed on shutdown")
			}
		})
	}
}

func TestRun_StoreErrorDoesNotStopLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &fakeStore{insertErrs: []error{errors.New("deadlock detected"), nil}}
	config := testConfig()
	p, _ := newTestPipeline(t, config, sampleFeed(), store)

	passes := 0
	p.sleep = func(ctx context.Context, d time.Duration) bool {
		if d == config.Interval {
			passes++
			if passes == 2 {
				cancel()
				return false
			}
		}
		return true
	}

	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
	if len(store.inserted) != 1 {
		t.Errorf("successful inserts = %d, want 1", len(store.inserted))
	}
	if store.routeCalls != 1 {
		t.Errorf("route upserts = %d, want 1 (second pass only)", store.routeCalls)
	}
}

func TestSleepContext(t *testing.T) {
	if !sleepContext(context.Background(), 0) {
		t.Error("zero wait on live context should report true")
	}
	if !sleepContext(context.Background(), time.Millisecond) {
		t.Error("short wait should complete")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepContext(ctx, time.Hour) {
		t.Error("cancelled context should interrupt the wait")
	}
	if sleepContext(ctx, 0) {
		t.Error("zero wait on cancelled context should report false")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateFetchingAgency, "fetching_agency"},
		{StatePersisting, "persisting"},
		{StateSleeping, "sleeping"},
		{StateStopped, "stopped"},
		{State(42), "State(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int32(tt.state), got, tt.want)
		}
	}
}
