package types

import "testing"

func TestIsKnownAgency(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"SF", true},
		{"AC", true},
		{"CT", true},
		{"sf", false},
		{"BA", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := IsKnownAgency(tt.code); got != tt.want {
				t.Errorf("IsKnownAgency(%q) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestRoundCoordinate(t *testing.T) {
	tests := []struct {
		name     string
		input    float64
		expected float64
	}{
		{"already seven digits", 37.7749295, 37.7749295},
		{"rounds up", 37.77492956, 37.7749296},
		{"rounds down", -122.41941551, -122.4194155},
		{"integer", 38, 38},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoundCoordinate(tt.input); got != tt.expected {
				t.Errorf("RoundCoordinate(%v) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestVehicleObservation_Route(t *testing.T) {
	route := "14R"
	if got := (VehicleObservation{RouteID: &route}).Route(); got != "14R" {
		t.Errorf("Route() = %q, want %q", got, "14R")
	}
	if got := (VehicleObservation{}).Route(); got != "" {
		t.Errorf("Route() = %q, want empty", got)
	}
}
