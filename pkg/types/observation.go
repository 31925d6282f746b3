package types

import (
	"math"
	"time"
)

// UnknownVehicle is stored when the feed omits the vehicle reference.
const UnknownVehicle = "unknown"

// CoordinatePrecision is the number of fractional digits kept for latitude and longitude.
const CoordinatePrecision = 7

// Known 511.org operator codes
const (
	AgencySFMuni    = "SF"
	AgencyACTransit = "AC"
	AgencyCaltrain  = "CT"
)

// KnownAgencies lists the operators the ingester is allowed to poll, in polling order.
var KnownAgencies = []string{AgencySFMuni, AgencyACTransit, AgencyCaltrain}

// IsKnownAgency reports whether code is on the allow-list.
func IsKnownAgency(code string) bool {
	for _, a := range KnownAgencies {
		if a == code {
			return true
		}
	}
	return false
}

// VehicleObservation is one sighting of one vehicle at one instant.
// Optional fields are nil when the feed did not provide a usable value.
type VehicleObservation struct {
	VehicleID  string    `json:"vehicle_id"`
	RouteID    *string   `json:"route_id,omitempty"`
	TripID     *string   `json:"trip_id,omitempty"`
	AgencyID   string    `json:"agency_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      *float64  `json:"speed,omitempty"`   // km/h as reported
	Heading    *int      `json:"heading,omitempty"` // degrees, nominally 0-360
	ObservedAt time.Time `json:"observed_at"`
}

// Route returns the route id or "" when absent.
func (o VehicleObservation) Route() string {
	if o.RouteID == nil {
		return ""
	}
	return *o.RouteID
}

// RoundCoordinate rounds a coordinate to CoordinatePrecision fractional digits,
// rounding half away from zero.
func RoundCoordinate(v float64) float64 {
	scale := math.Pow10(CoordinatePrecision)
	return math.Round(v*scale) / scale
}

// Totals is the periodic aggregate report of the ingestion loop.
type Totals struct {
	TotalObservations int64 `json:"total_observations"`
	ActiveVehicles    int64 `json:"active_vehicles"`
	RecentAlerts      int64 `json:"recent_alerts"`
}

// RouteSummary is one row of the per-route report over a trailing window.
type RouteSummary struct {
	RouteID      string   `json:"route_id"`
	AgencyID     string   `json:"agency_id"`
	Vehicles     int64    `json:"vehicles"`
	AvgSpeed     *float64 `json:"avg_speed,omitempty"`
	TotalRecords int64    `json:"total_records"`
}

// HourlyActivity is one bucket of the per-hour histogram.
type HourlyActivity struct {
	Hour     time.Time `json:"hour"`
	Vehicles int64     `json:"vehicles"`
	Records  int64     `json:"records"`
}

// AgencyActivity counts distinct vehicles per operator over a trailing window.
type AgencyActivity struct {
	AgencyID string `json:"agency_id"`
	Vehicles int64  `json:"vehicles"`
}

// Summary is the dashboard header: store totals plus the short-window view.
type Summary struct {
	Totals
	ByAgency   []AgencyActivity `json:"by_agency"`
	AvgSpeed   *float64         `json:"avg_speed,omitempty"`
	LastUpdate *time.Time       `json:"last_update,omitempty"`
}
