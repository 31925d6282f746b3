package anomaly

import (
	"fmt"
	"time"

	"transit511/pkg/types"

	"github.com/twpayne/go-geom"
)

// Bay Area service region, inclusive on every edge.
const (
	MinLatitude  = 37.0
	MaxLatitude  = 38.5
	MinLongitude = -123.0
	MaxLongitude = -121.5
)

const (
	MinHeading = 0
	MaxHeading = 360
)

// ServiceArea is the bounding box used by the geofence rule (x = longitude, y = latitude).
var ServiceArea = geom.NewBounds(geom.XY).Set(MinLongitude, MinLatitude, MaxLongitude, MaxLatitude)

// Rule inspects one observation and returns an alert when it fires.
type Rule func(obs types.VehicleObservation, detectedAt time.Time) (types.Alert, bool)

// Rules are evaluated independently; an observation may trigger several.
var Rules = []Rule{OutsideServiceArea, InvalidHeading}

// Detect runs every rule over every observation. It has no side effects.
func Detect(observations []types.VehicleObservation, detectedAt time.Time) []types.Alert {
	var alerts []types.Alert
	for _, obs := range observations {
		for _, rule := range Rules {
			if alert, fired := rule(obs, detectedAt); fired {
				alerts = append(alerts, alert)
			}
		}
	}
	return alerts
}

func OutsideServiceArea(obs types.VehicleObservation, detectedAt time.Time) (types.Alert, bool) {
	if ServiceArea.OverlapsPoint(geom.XY, geom.Coord{obs.Longitude, obs.Latitude}) {
		return types.Alert{}, false
	}
	return newAlert(obs, types.AlertLocationAnomaly, types.SeverityMedium,
		fmt.Sprintf("Vehicle outside expected area: %.7f, %.7f", obs.Latitude, obs.Longitude),
		detectedAt), true
}

func InvalidHeading(obs types.VehicleObservation, detectedAt time.Time) (types.Alert, bool) {
	if obs.Heading == nil || (*obs.Heading >= MinHeading && *obs.Heading <= MaxHeading) {
		return types.Alert{}, false
	}
	return newAlert(obs, types.AlertInvalidHeading, types.SeverityLow,
		fmt.Sprintf("Invalid heading: %d°", *obs.Heading),
		detectedAt), true
}

func newAlert(obs types.VehicleObservation, kind types.AlertType, severity types.Severity, description string, detectedAt time.Time) types.Alert {
	return types.Alert{
		VehicleID:   obs.VehicleID,
		RouteID:     obs.RouteID,
		AgencyID:    obs.AgencyID,
		Type:        kind,
		Severity:    severity,
		Description: description,
		Latitude:    obs.Latitude,
		Longitude:   obs.Longitude,
		DetectedAt:  detectedAt,
	}
}
