// README: Distance/ETA estimation with a Directions backend and a straight-line fallback.
package maps

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"emsdispatch/internal/types"
)

// ErrEstimatorUnavailable means no estimate could be produced. Callers treat it as a
// display-only degradation.
var ErrEstimatorUnavailable = errors.New("distance/eta estimator unavailable")

const (
	SourceDirections = "directions"
	SourceHaversine  = "haversine"
)

type Estimate struct {
	DistanceMeters int           `json:"distance_meters"`
	Duration       time.Duration `json:"duration"`
	Source         string        `json:"source"`
}

type Estimator interface {
	Estimate(ctx context.Context, from, to types.Point) (Estimate, error)
}

// HaversineEstimator assumes straight-line travel at a constant speed.
type HaversineEstimator struct {
	SpeedKmh float64
}

func (h HaversineEstimator) Estimate(_ context.Context, from, to types.Point) (Estimate, error) {
	if !from.Valid() || !to.Valid() || h.SpeedKmh <= 0 {
		return Estimate{}, ErrEstimatorUnavailable
	}
	km := types.HaversineKm(from, to)
	return Estimate{
		DistanceMeters: int(math.Round(km * 1000)),
		Duration:       time.Duration(km / h.SpeedKmh * float64(time.Hour)).Round(time.Second),
		Source:         SourceHaversine,
	}, nil
}

// Fallback tries Primary and degrades to Secondary when it fails.
type Fallback struct {
	Primary   Estimator
	Secondary Estimator
	Logger    *zap.Logger
}

func (f Fallback) Estimate(ctx context.Context, from, to types.Point) (Estimate, error) {
	if f.Primary != nil {
		est, err := f.Primary.Estimate(ctx, from, to)
		if err == nil {
			return est, nil
		}
		if f.Logger != nil {
			f.Logger.Warn("primary estimator failed, falling back", zap.Error(err))
		}
	}
	if f.Secondary == nil {
		return Estimate{}, ErrEstimatorUnavailable
	}
	return f.Secondary.Estimate(ctx, from, to)
}
