package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"transit511/pkg/types"
)

// Default trailing windows of the aggregate reads.
const (
	DefaultActiveWindow    = 10 * time.Minute
	DefaultAlertWindow     = time.Hour
	DefaultRouteWindow     = time.Hour
	DefaultHourlyWindow    = 24 * time.Hour
	DefaultDashboardWindow = 5 * time.Minute
	DefaultPositionsWindow = 10 * time.Minute

	DefaultRouteLimit = 15
)

func (s *Store) cutoff(window time.Duration) time.Time {
	return s.now().UTC().Add(-window)
}

// TotalObservations counts every stored observation.
func (s *Store) TotalObservations(ctx context.Context) (int64, error) {
	n, err := countPositions(s.db.WithContext(ctx))
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ActiveVehicles counts distinct vehicles observed within the trailing window.
func (s *Store) ActiveVehicles(ctx context.Context, window time.Duration) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&VehiclePosition{}).
		Where("observed_at > ?", s.cutoff(window)).
		Distinct("vehicle_id").
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count active vehicles: %w", err)
	}
	return n, nil
}

// RecentAlerts counts alerts detected within the trailing window.
func (s *Store) RecentAlerts(ctx context.Context, window time.Duration) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&TransitAlert{}).
		Where("detected_at > ?", s.cutoff(window)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count recent alerts: %w", err)
	}
	return n, nil
}

// Totals is the periodic report of the ingestion loop.
func (s *Store) Totals(ctx context.Context, activeWindow, alertWindow time.Duration) (types.Totals, error) {
	var totals types.Totals
	var err error

	if totals.TotalObservations, err = s.TotalObservations(ctx); err != nil {
		return types.Totals{}, err
	}
	if totals.ActiveVehicles, err = s.ActiveVehicles(ctx, activeWindow); err != nil {
		return types.Totals{}, err
	}
	if totals.RecentAlerts, err = s.RecentAlerts(ctx, alertWindow); err != nil {
		return types.Totals{}, err
	}
	return totals, nil
}

// RouteSummaries reports vehicles, average speed and record count per route
// over the trailing window, busiest routes first.
func (s *Store) RouteSummaries(ctx context.Context, window time.Duration, limit int) ([]types.RouteSummary, error) {
	var rows []types.RouteSummary
	err := s.db.WithContext(ctx).
		Model(&VehiclePosition{}).
		Select("route_id, agency_id, COUNT(DISTINCT vehicle_id) AS vehicles, AVG(speed)::float8 AS avg_speed, COUNT(*) AS total_records").
		Where("observed_at > ? AND route_id IS NOT NULL", s.cutoff(window)).
		Group("route_id, agency_id").
		Order("vehicles DESC, total_records DESC, agency_id, route_id").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to summarize routes: %w", err)
	}
	return rows, nil
}

// HourlyActivity buckets the trailing window by hour of observation.
func (s *Store) HourlyActivity(ctx context.Context, window time.Duration) ([]types.HourlyActivity, error) {
	var rows []types.HourlyActivity
	err := s.db.WithContext(ctx).
		Model(&VehiclePosition{}).
		Select("date_trunc('hour', observed_at) AS hour, COUNT(DISTINCT vehicle_id) AS vehicles, COUNT(*) AS records").
		Where("observed_at > ?", s.cutoff(window)).
		Group("hour").
		Order("hour").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to bucket hourly activity: %w", err)
	}
	return rows, nil
}

// AgencyActivity counts distinct vehicles per agency over the trailing window.
func (s *Store) AgencyActivity(ctx context.Context, window time.Duration) ([]types.AgencyActivity, error) {
	var rows []types.AgencyActivity
	err := s.db.WithContext(ctx).
		Model(&VehiclePosition{}).
		Select("agency_id, COUNT(DISTINCT vehicle_id) AS vehicles").
		Where("observed_at > ?", s.cutoff(window)).
		Group("agency_id").
		Order("agency_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count vehicles per agency: %w", err)
	}
	return rows, nil
}

// AverageSpeed is the mean of known speeds over the trailing window, or nil
// when none were reported.
func (s *Store) AverageSpeed(ctx context.Context, window time.Duration) (*float64, error) {
	var avg sql.NullFloat64
	err := s.db.WithContext(ctx).
		Model(&VehiclePosition{}).
		Select("AVG(speed)::float8").
		Where("observed_at > ? AND speed IS NOT NULL", s.cutoff(window)).
		Row().
		Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to average speed: %w", err)
	}
	if !avg.Valid {
		return nil, nil
	}
	return &avg.Float64, nil
}

// LastObservation is the newest observed_at in the store, or nil when empty.
func (s *Store) LastObservation(ctx context.Context) (*time.Time, error) {
	var last sql.NullTime
	err := s.db.WithContext(ctx).
		Model(&VehiclePosition{}).
		Select("MAX(observed_at)").
		Row().
		Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to read last observation: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time.UTC()
	return &t, nil
}

// LatestPositions returns the newest observation of every vehicle seen in the
// trailing window.
func (s *Store) LatestPositions(ctx context.Context, window time.Duration, limit int) ([]types.VehicleObservation, error) {
	var rows []VehiclePosition
	err := s.db.WithContext(ctx).
		Raw(`SELECT DISTINCT ON (agency_id, vehicle_id) *
			FROM vehicle_positions
			WHERE observed_at > ?
			ORDER BY agency_id, vehicle_id, observed_at DESC
			LIMIT ?`, s.cutoff(window), limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read latest positions: %w", err)
	}

	observations := make([]types.VehicleObservation, len(rows))
	for i, r := range rows {
		observations[i] = r.observation()
	}
	return observations, nil
}

// ListAlerts returns alerts detected within the trailing window, newest first.
func (s *Store) ListAlerts(ctx context.Context, window time.Duration, limit int) ([]types.Alert, error) {
	var rows []TransitAlert
	err := s.db.WithContext(ctx).
		Where("detected_at > ?", s.cutoff(window)).
		Order("detected_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	alerts := make([]types.Alert, len(rows))
	for i, r := range rows {
		alerts[i] = r.alert()
	}
	return alerts, nil
}

// Summary assembles the dashboard header.
func (s *Store) Summary(ctx context.Context, window time.Duration) (types.Summary, error) {
	totals, err := s.Totals(ctx, window, DefaultAlertWindow)
	if err != nil {
		return types.Summary{}, err
	}

	summary := types.Summary{Totals: totals}
	if summary.ByAgency, err = s.AgencyActivity(ctx, window); err != nil {
		return types.Summary{}, err
	}
	if summary.AvgSpeed, err = s.AverageSpeed(ctx, window); err != nil {
		return types.Summary{}, err
	}
	if summary.LastUpdate, err = s.LastObservation(ctx); err != nil {
		return types.Summary{}, err
	}
	return summary, nil
}
