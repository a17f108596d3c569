package maps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"emsdispatch/internal/types"
)

// RouteService estimates driving distance and time with the Google Directions API.
type RouteService struct {
	client  *maps.Client
	timeout time.Duration
}

// NewRouteService creates a new RouteService with the given API Key. Every call is
// bounded by timeout so a slow upstream never holds the caller.
func NewRouteService(apiKey string, timeout time.Duration) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client, timeout: timeout}, nil
}

func (s *RouteService) Estimate(ctx context.Context, from, to types.Point) (Estimate, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	r := &maps.DirectionsRequest{
		Origin:      from.LatLngString(),
		Destination: to.LatLngString(),
		Mode:        maps.TravelModeDriving,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return Estimate{}, fmt.Errorf("%w: directions: %w", ErrEstimatorUnavailable, err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Estimate{}, fmt.Errorf("%w: %w", ErrEstimatorUnavailable, errNoRoute)
	}

	leg := routes[0].Legs[0]
	return Estimate{
		DistanceMeters: leg.Distance.Meters,
		Duration:       leg.Duration,
		Source:         SourceDirections,
	}, nil
}

var errNoRoute = errors.New("no route found")
