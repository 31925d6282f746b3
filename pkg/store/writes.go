package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"transit511/pkg/metrics"
	"transit511/pkg/otel"
	"transit511/pkg/types"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertObservations appends a batch, silently skipping rows whose
// (vehicle_id, observed_at) pair is already stored. The returned count is the
// growth of the table across the batch, which is exact only while this store
// is the single writer.
func (s *Store) InsertObservations(ctx context.Context, observations []types.VehicleObservation) (int64, error) {
	if len(observations) == 0 {
		return 0, nil
	}

	ctx, span := s.tracer.Start(ctx, "store.insert_observations",
		trace.WithAttributes(attribute.Int("observations_count", len(observations))),
	)
	defer span.End()

	db := s.db.WithContext(ctx)

	before, err := countPositions(db)
	if err != nil {
		recordFailure(span, err)
		return 0, err
	}

	insertedAt := s.now().UTC()
	rows := make([]VehiclePosition, len(observations))
	for i, obs := range observations {
		rows[i] = positionFromObservation(obs)
		rows[i].InsertedAt = insertedAt
	}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vehicle_id"}, {Name: "observed_at"}},
		DoNothing: true,
	}).CreateInBatches(&rows, insertBatchSize)
	if result.Error != nil {
		recordFailure(span, result.Error)
		return 0, fmt.Errorf("failed to insert vehicle positions: %w", result.Error)
	}

	after, err := countPositions(db)
	if err != nil {
		recordFailure(span, err)
		return 0, err
	}

	inserted := after - before
	if inserted != result.RowsAffected {
		slog.Debug("Row count delta differs from affected rows",
			"delta", inserted,
			"rows_affected", result.RowsAffected,
		)
	}

	metrics.RecordInserted(ctx, inserted)
	span.SetAttributes(
		attribute.Int64("rows_inserted", inserted),
		attribute.Int64("rows_affected", result.RowsAffected),
	)
	otel.SetSpanOk(span)

	return inserted, nil
}

func countPositions(db *gorm.DB) (int64, error) {
	var n int64
	if err := db.Model(&VehiclePosition{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count vehicle positions: %w", err)
	}
	return n, nil
}

// UpsertRoutes replaces vehicle_count and last_update of every route seen in
// this pass. Observations without a route are ignored. It returns the number
// of routes written.
func (s *Store) UpsertRoutes(ctx context.Context, observations []types.VehicleObservation) (int, error) {
	groups := groupByRoute(observations)
	if len(groups) == 0 {
		return 0, nil
	}

	ctx, span := s.tracer.Start(ctx, "store.upsert_routes",
		trace.WithAttributes(attribute.Int("routes_count", len(groups))),
	)
	defer span.End()

	now := s.now().UTC()
	rows := make([]Route, len(groups))
	for i, g := range groups {
		rows[i] = Route{
			AgencyID:     g.AgencyID,
			RouteID:      g.RouteID,
			VehicleCount: len(g.vehicles),
			LastUpdate:   now,
		}
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agency_id"}, {Name: "route_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"vehicle_count", "last_update"}),
	}).Create(&rows).Error
	if err != nil {
		recordFailure(span, err)
		return 0, fmt.Errorf("failed to upsert routes: %w", err)
	}

	otel.SetSpanOk(span)
	return len(rows), nil
}

// SnapshotRouteStatistics appends one route_statistics row per route seen in
// this pass.
func (s *Store) SnapshotRouteStatistics(ctx context.Context, observations []types.VehicleObservation) (int, error) {
	groups := groupByRoute(observations)
	if len(groups) == 0 {
		return 0, nil
	}

	ctx, span := s.tracer.Start(ctx, "store.snapshot_route_statistics",
		trace.WithAttributes(attribute.Int("routes_count", len(groups))),
	)
	defer span.End()

	rows := routeStatistics(groups, s.now().UTC())
	if err := s.db.WithContext(ctx).CreateInBatches(&rows, insertBatchSize).Error; err != nil {
		recordFailure(span, err)
		return 0, fmt.Errorf("failed to insert route statistics: %w", err)
	}

	otel.SetSpanOk(span)
	return len(rows), nil
}

// InsertAlerts appends alerts unconditionally.
func (s *Store) InsertAlerts(ctx context.Context, alerts []types.Alert) (int, error) {
	if len(alerts) == 0 {
		return 0, nil
	}

	ctx, span := s.tracer.Start(ctx, "store.insert_alerts",
		trace.WithAttributes(attribute.Int("alerts_count", len(alerts))),
	)
	defer span.End()

	rows := make([]TransitAlert, len(alerts))
	for i, a := range alerts {
		rows[i] = alertRow(a)
	}

	if err := s.db.WithContext(ctx).CreateInBatches(&rows, insertBatchSize).Error; err != nil {
		recordFailure(span, err)
		return 0, fmt.Errorf("failed to insert alerts: %w", err)
	}

	otel.SetSpanOk(span)
	return len(rows), nil
}

type routeGroup struct {
	AgencyID string
	RouteID  string
	vehicles map[string]struct{}
	speedSum float64
	speedN   int
}

// groupByRoute buckets observations by (agency, route) in order of first
// appearance, counting distinct vehicles and summing known speeds.
func groupByRoute(observations []types.VehicleObservation) []*routeGroup {
	type key struct{ agency, route string }

	index := make(map[key]*routeGroup)
	var groups []*routeGroup
	for _, obs := range observations {
		if obs.RouteID == nil || *obs.RouteID == "" {
			continue
		}

		k := key{obs.AgencyID, *obs.RouteID}
		g, ok := index[k]
		if !ok {
			g = &routeGroup{
				AgencyID: obs.AgencyID,
				RouteID:  *obs.RouteID,
				vehicles: make(map[string]struct{}),
			}
			index[k] = g
			groups = append(groups, g)
		}

		g.vehicles[obs.VehicleID] = struct{}{}
		if obs.Speed != nil {
			g.speedSum += *obs.Speed
			g.speedN++
		}
	}
	return groups
}

func routeStatistics(groups []*routeGroup, snapshotAt time.Time) []RouteStatistic {
	rows := make([]RouteStatistic, len(groups))
	for i, g := range groups {
		rows[i] = RouteStatistic{
			RouteID:        g.RouteID,
			AgencyID:       g.AgencyID,
			ActiveVehicles: len(g.vehicles),
			SnapshotAt:     snapshotAt,
		}
		if g.speedN > 0 {
			avg := math.Round(g.speedSum/float64(g.speedN)*100) / 100
			rows[i].AvgSpeed = &avg
		}
	}
	return rows
}
