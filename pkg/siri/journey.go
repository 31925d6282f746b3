package siri

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/clbanning/mxj/v2"
)

// ActivityPath is where 511.org puts the vehicle activity collection in a
// VehicleMonitoring JSON response.
const ActivityPath = "Siri.ServiceDelivery.VehicleMonitoringDelivery.VehicleActivity"

// ErrNoJourney is returned for activities without a MonitoredVehicleJourney.
var ErrNoJourney = errors.New("activity has no MonitoredVehicleJourney")

// Activity is one undecoded VehicleActivity entry.
type Activity map[string]interface{}

// Journey is the subset of a MonitoredVehicleJourney the ingester reads.
// Every field is nil when the source omitted it or sent something unusable.
type Journey struct {
	VehicleRef             *string
	Latitude               *float64
	Longitude              *float64
	LineRef                *string
	DatedVehicleJourneyRef *string
	Speed                  *float64
	Bearing                *float64
	RecordedAtTime         *time.Time
}

// ParseDelivery decodes a VehicleMonitoring JSON document and returns its
// vehicle activities. VehicleActivity may be a single object or a list; both
// come back as a list.
func ParseDelivery(body []byte) ([]Activity, error) {
	doc, err := mxj.NewMapJson(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	values, err := doc.ValuesForPath(ActivityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ActivityPath, err)
	}

	activities := make([]Activity, 0, len(values))
	for _, v := range values {
		if m, ok := v.(map[string]interface{}); ok {
			activities = append(activities, Activity(m))
		}
	}

	return activities, nil
}

// DecodeActivity extracts the journey from one activity. RecordedAtTime is
// taken from the journey, falling back to the activity envelope.
func DecodeActivity(activity Activity) (Journey, error) {
	raw, present := activity["MonitoredVehicleJourney"]
	if !present || raw == nil {
		return Journey{}, ErrNoJourney
	}
	mvj, ok := raw.(map[string]interface{})
	if !ok {
		return Journey{}, fmt.Errorf("MonitoredVehicleJourney has type %T", raw)
	}

	journey, err := DecodeJourney(mvj)
	if err != nil {
		return Journey{}, err
	}

	if journey.RecordedAtTime == nil {
		journey.RecordedAtTime = timeField(activity, "RecordedAtTime")
	}

	return journey, nil
}

// DecodeJourney maps a MonitoredVehicleJourney object onto a Journey. Missing
// or malformed leaf values become nil; a nested wrapper of the wrong type is
// a structural error.
func DecodeJourney(mvj map[string]interface{}) (Journey, error) {
	journey := Journey{
		VehicleRef:     stringField(mvj, "VehicleRef"),
		LineRef:        stringField(mvj, "LineRef"),
		Speed:          numberField(mvj, "Speed"),
		Bearing:        numberField(mvj, "Bearing"),
		RecordedAtTime: timeField(mvj, "RecordedAtTime"),
	}

	location, err := objectField(mvj, "VehicleLocation")
	if err != nil {
		return Journey{}, err
	}
	if location != nil {
		journey.Latitude = numberField(location, "Latitude")
		journey.Longitude = numberField(location, "Longitude")
	}

	framed, err := objectField(mvj, "FramedVehicleJourneyRef")
	if err != nil {
		return Journey{}, err
	}
	if framed != nil {
		journey.DatedVehicleJourneyRef = stringField(framed, "DatedVehicleJourneyRef")
	}

	return journey, nil
}

// objectField returns nil, nil when key is absent or null.
func objectField(m map[string]interface{}, key string) (map[string]interface{}, error) {
	v, present := m[key]
	if !present || v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s has type %T", key, v)
	}
	return obj, nil
}

func stringField(m map[string]interface{}, key string) *string {
	var s string
	switch v := m[key].(type) {
	case string:
		s = strings.TrimSpace(v)
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		s = v.String()
	default:
		return nil
	}
	if s == "" {
		return nil
	}
	return &s
}

func numberField(m map[string]interface{}, key string) *float64 {
	var f float64
	switch v := m[key].(type) {
	case float64:
		f = v
	case string:
		parsed, err := parseFloat(v)
		if err != nil {
			return nil
		}
		f = parsed
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func timeField(m map[string]interface{}, key string) *time.Time {
	s, ok := m[key].(string)
	if !ok {
		return nil
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return nil
	}
	return &t
}

// ParseTimestamp parses an ISO-8601 timestamp such as 2024-01-15T10:29:45Z
// (fractional seconds and numeric offsets are accepted) into a UTC instant.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
