package normalize

import (
	"context"
	"errors"
	"math"
	"time"

	"transit511/pkg/metrics"
	"transit511/pkg/siri"
	"transit511/pkg/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoFix means the journey has no usable position (missing or zero coordinate).
var ErrNoFix = errors.New("journey has no position fix")

type Normalizer struct {
	tracer trace.Tracer
	now    func() time.Time
}

func NewNormalizer() *Normalizer {
	return &Normalizer{
		tracer: otel.Tracer("normalizer"),
		now:    time.Now,
	}
}

// Activities maps every usable activity of one agency response to an
// observation. Unusable records are counted and skipped; they never stop the
// rest of the batch.
func (n *Normalizer) Activities(ctx context.Context, agency string, activities []siri.Activity) []types.VehicleObservation {
	ctx, span := n.tracer.Start(ctx, "normalizer.activities",
		trace.WithAttributes(
			attribute.String("agency", agency),
			attribute.Int("activities_count", len(activities)),
		),
	)
	defer span.End()

	ingestedAt := n.now().UTC()
	observations := make([]types.VehicleObservation, 0, len(activities))
	discarded := 0

	for _, activity := range activities {
		journey, err := siri.DecodeActivity(activity)
		if err != nil {
			discarded++
			continue
		}

		obs, err := Journey(journey, agency, ingestedAt)
		if err != nil {
			discarded++
			continue
		}
		observations = append(observations, obs)
	}

	metrics.RecordNormalized(ctx, agency, len(observations), discarded)
	span.SetAttributes(
		attribute.Int("observations_count", len(observations)),
		attribute.Int("discarded_count", discarded),
	)

	return observations
}

// Journey turns a decoded journey into an observation. ingestedAt stands in
// for a missing RecordedAtTime.
func Journey(j siri.Journey, agency string, ingestedAt time.Time) (types.VehicleObservation, error) {
	if j.Latitude == nil || j.Longitude == nil || *j.Latitude == 0 || *j.Longitude == 0 {
		return types.VehicleObservation{}, ErrNoFix
	}

	vehicleID := types.UnknownVehicle
	if j.VehicleRef != nil {
		vehicleID = *j.VehicleRef
	}

	observedAt := ingestedAt
	if j.RecordedAtTime != nil {
		observedAt = *j.RecordedAtTime
	}

	return types.VehicleObservation{
		VehicleID:  vehicleID,
		RouteID:    j.LineRef,
		TripID:     j.DatedVehicleJourneyRef,
		AgencyID:   agency,
		Latitude:   types.RoundCoordinate(*j.Latitude),
		Longitude:  types.RoundCoordinate(*j.Longitude),
		Speed:      j.Speed,
		Heading:    heading(j.Bearing),
		ObservedAt: observedAt.UTC(),
	}, nil
}

// heading rounds a bearing to the nearest whole degree. Out-of-range values
// are kept; the anomaly detector flags them.
func heading(bearing *float64) *int {
	if bearing == nil || math.Abs(*bearing) > math.MaxInt32 {
		return nil
	}
	h := int(math.Round(*bearing))
	return &h
}
