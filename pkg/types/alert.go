package types

import "time"

// AlertType identifies the rule that produced an alert.
type AlertType string

const (
	AlertLocationAnomaly AlertType = "location_anomaly"
	AlertInvalidHeading  AlertType = "invalid_heading"
)

// Severity is only used for display grouping.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert is an anomaly tied to one observation. It carries a denormalized copy
// of the offending vehicle so it can be read without joining positions.
type Alert struct {
	VehicleID   string    `json:"vehicle_id"`
	RouteID     *string   `json:"route_id,omitempty"`
	AgencyID    string    `json:"agency_id"`
	Type        AlertType `json:"alert_type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	DetectedAt  time.Time `json:"detected_at"`
}
