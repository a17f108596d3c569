package maps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emsdispatch/internal/types"
)

type stubEstimator struct {
	est   Estimate
	err   error
	calls int
}

func (s *stubEstimator) Estimate(context.Context, types.Point, types.Point) (Estimate, error) {
	s.calls++
	return s.est, s.err
}

func TestHaversineEstimator(t *testing.T) {
	h := HaversineEstimator{SpeedKmh: 60}
	est, err := h.Estimate(context.Background(), types.Point{Lat: 1, Lng: 2}, types.Point{Lat: 1.1, Lng: 2.1})
	require.NoError(t, err)
	assert.Equal(t, SourceHaversine, est.Source)
	assert.InDelta(t, 15724, est.DistanceMeters, 100)
	assert.InDelta(t, (15*time.Minute + 43*time.Second).Seconds(), est.Duration.Seconds(), 10)

	_, err = h.Estimate(context.Background(), types.Point{Lat: 100}, types.Point{})
	assert.ErrorIs(t, err, ErrEstimatorUnavailable)
	_, err = HaversineEstimator{}.Estimate(context.Background(), types.Point{}, types.Point{})
	assert.ErrorIs(t, err, ErrEstimatorUnavailable)
}

func TestFallback(t *testing.T) {
	ctx := context.Background()
	primary := &stubEstimator{est: Estimate{DistanceMeters: 900, Source: SourceDirections}}
	secondary := &stubEstimator{est: Estimate{DistanceMeters: 700, Source: SourceHaversine}}
	f := Fallback{Primary: primary, Secondary: secondary}

	est, err := f.Estimate(ctx, types.Point{}, types.Point{})
	require.NoError(t, err)
	assert.Equal(t, SourceDirections, est.Source)
	assert.Equal(t, 0, secondary.calls)

	primary.err = errors.New("quota exceeded")
	est, err = f.Estimate(ctx, types.Point{}, types.Point{})
	require.NoError(t, err)
	assert.Equal(t, SourceHaversine, est.Source)

	_, err = Fallback{Primary: primary}.Estimate(ctx, types.Point{}, types.Point{})
	assert.ErrorIs(t, err, ErrEstimatorUnavailable)
}
