package store

import (
	"time"

	"transit511/pkg/types"
)

// VehiclePosition is one persisted observation. (vehicle_id, observed_at) is
// the dedup key.
type VehiclePosition struct {
	ID         uint      `gorm:"primaryKey"`
	VehicleID  string    `gorm:"size:100;not null;uniqueIndex:uq_vehicle_observed,priority:1"`
	RouteID    *string   `gorm:"size:50;index:idx_vehicle_positions_route"`
	TripID     *string   `gorm:"size:100"`
	AgencyID   string    `gorm:"size:50;not null;index:idx_vehicle_positions_agency"`
	Latitude   float64   `gorm:"type:decimal(10,7);not null"`
	Longitude  float64   `gorm:"type:decimal(10,7);not null"`
	Speed      *float64  `gorm:"type:decimal(6,2)"`
	Heading    *int
	ObservedAt time.Time `gorm:"not null;uniqueIndex:uq_vehicle_observed,priority:2;index:idx_vehicle_positions_observed,sort:desc"`
	InsertedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_vehicle_positions_inserted,sort:desc"`
}

func (VehiclePosition) TableName() string {
	return "vehicle_positions"
}

// Route is the per-pass vehicle count for one route. Route identifiers are
// only unique within an agency, so the key is (agency_id, route_id).
type Route struct {
	AgencyID     string    `gorm:"primaryKey;size:50"`
	RouteID      string    `gorm:"primaryKey;size:50"`
	RouteName    *string   `gorm:"size:200"`
	RouteType    *string   `gorm:"size:50"`
	VehicleCount int       `gorm:"not null;default:0"`
	LastUpdate   time.Time `gorm:"not null"`
}

func (Route) TableName() string {
	return "routes"
}

// TransitAlert is append-only.
type TransitAlert struct {
	ID          uint      `gorm:"primaryKey"`
	VehicleID   string    `gorm:"size:100"`
	RouteID     *string   `gorm:"size:50"`
	AgencyID    string    `gorm:"size:50"`
	AlertType   string    `gorm:"size:100;not null"`
	Severity    string    `gorm:"size:20;not null"`
	Description string    `gorm:"type:text"`
	Latitude    float64   `gorm:"type:decimal(10,7)"`
	Longitude   float64   `gorm:"type:decimal(10,7)"`
	DetectedAt  time.Time `gorm:"not null;index:idx_transit_alerts_detected,sort:desc"`
}

func (TransitAlert) TableName() string {
	return "transit_alerts"
}

// RouteStatistic is an append-only per-pass snapshot.
type RouteStatistic struct {
	ID             uint      `gorm:"primaryKey"`
	RouteID        string    `gorm:"size:50;not null"`
	AgencyID       string    `gorm:"size:50;not null"`
	ActiveVehicles int       `gorm:"not null;default:0"`
	AvgSpeed       *float64  `gorm:"type:decimal(6,2)"`
	SnapshotAt     time.Time `gorm:"not null;index:idx_route_statistics_snapshot,sort:desc"`
}

func (RouteStatistic) TableName() string {
	return "route_statistics"
}

func positionFromObservation(o types.VehicleObservation) VehiclePosition {
	return VehiclePosition{
		VehicleID:  o.VehicleID,
		RouteID:    o.RouteID,
		TripID:     o.TripID,
		AgencyID:   o.AgencyID,
		Latitude:   o.Latitude,
		Longitude:  o.Longitude,
		Speed:      o.Speed,
		Heading:    o.Heading,
		ObservedAt: o.ObservedAt,
	}
}

func (p VehiclePosition) observation() types.VehicleObservation {
	return types.VehicleObservation{
		VehicleID:  p.VehicleID,
		RouteID:    p.RouteID,
		TripID:     p.TripID,
		AgencyID:   p.AgencyID,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Speed:      p.Speed,
		Heading:    p.Heading,
		ObservedAt: p.ObservedAt,
	}
}

func alertRow(a types.Alert) TransitAlert {
	return TransitAlert{
		VehicleID:   a.VehicleID,
		RouteID:     a.RouteID,
		AgencyID:    a.AgencyID,
		AlertType:   string(a.Type),
		Severity:    string(a.Severity),
		Description: a.Description,
		Latitude:    a.Latitude,
		Longitude:   a.Longitude,
		DetectedAt:  a.DetectedAt,
	}
}

func (r TransitAlert) alert() types.Alert {
	return types.Alert{
		VehicleID:   r.VehicleID,
		RouteID:     r.RouteID,
		AgencyID:    r.AgencyID,
		Type:        types.AlertType(r.AlertType),
		Severity:    types.Severity(r.Severity),
		Description: r.Description,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		DetectedAt:  r.DetectedAt,
	}
}
