// README: Location tracker applies timestamped samples, keeps last-known positions and serves estimates.
package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"emsdispatch/internal/maps"
	"emsdispatch/internal/metrics"
	"emsdispatch/internal/modules/request"
	"emsdispatch/internal/types"
)

// Requests is the slice of the lifecycle service the tracker depends on.
type Requests interface {
	Get(ctx context.Context, id types.ID) (*request.Request, error)
	RecordParamedicLocation(ctx context.Context, id, paramedicID types.ID, loc request.Location) (*request.Request, bool, error)
	ActiveAssignment(ctx context.Context, paramedicID types.ID) (*request.Request, error)
	Publish(ctx context.Context, e request.Event)
}

type Options struct {
	// SourceTimeout bounds last-known lookups and estimates.
	SourceTimeout time.Duration
	// LastKnownTTL is how long a heartbeat position stays usable.
	LastKnownTTL time.Duration
}

type Tracker struct {
	requests  Requests
	gate      SampleGate
	positions PositionIndex
	estimator maps.Estimator
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

func NewTracker(requests Requests, gate SampleGate, positions PositionIndex, estimator maps.Estimator, opts Options, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = 3 * time.Second
	}
	if opts.LastKnownTTL <= 0 {
		opts.LastKnownTTL = 2 * time.Minute
	}
	return &Tracker{
		requests:  requests,
		gate:      gate,
		positions: positions,
		estimator: estimator,
		opts:      opts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ReportLocation applies a sample from the bound paramedic or the owning patient. Samples
// older than the newest one already applied for the same (request, actor) are dropped
// with Accepted=false and no error.
func (t *Tracker) ReportLocation(ctx context.Context, s Sample) (Ack, error) {
	if !s.Point.Valid() {
		return Ack{}, fmt.Errorf("%w: coordinate out of range", request.ErrBadRequest)
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = t.now()
	}
	s.Timestamp = s.Timestamp.UTC()
	role := string(s.Actor.Role)

	r, err := t.requests.Get(ctx, s.RequestID)
	if err != nil {
		return Ack{}, err
	}
	if r.IsTerminal() {
		metrics.LocationSamples.WithLabelValues(role, "terminal").Inc()
		return Ack{}, fmt.Errorf("report location: %w", request.ErrAlreadyTerminal)
	}

	loc := request.Location{Point: s.Point, Accuracy: s.Accuracy, Timestamp: s.Timestamp}
	switch {
	case s.Actor.Role == request.RoleParamedic && r.BoundTo(s.Actor.ID):
		if r.Status == request.StatusEnroute {
			updated, ok, err := t.requests.RecordParamedicLocation(ctx, r.ID, s.Actor.ID, loc)
			if err != nil {
				return Ack{}, err
			}
			r = updated
			if !ok && r.Status == request.StatusEnroute {
				metrics.LocationSamples.WithLabelValues(role, ReasonStale).Inc()
				return Ack{Accepted: false, Reason: ReasonStale}, nil
			}
			if !ok && r.IsTerminal() {
				return Ack{}, fmt.Errorf("report location: %w", request.ErrAlreadyTerminal)
			}
		}
		if r.Status == request.StatusArrived {
			// The stored position is frozen on arrival; later samples are relayed only.
			if ack, relay := t.admit(ctx, r.ID, s); !relay {
				return ack, nil
			}
		}
		t.remember(ctx, s.Actor.ID, loc)
	case s.Actor.Role == request.RolePatient && r.PatientID == s.Actor.ID:
		if ack, relay := t.admit(ctx, r.ID, s); !relay {
			return ack, nil
		}
	default:
		metrics.LocationSamples.WithLabelValues(role, "forbidden").Inc()
		return Ack{}, request.ErrForbidden
	}

	metrics.LocationSamples.WithLabelValues(role, "accepted").Inc()
	e := request.NewEvent(request.EventLocationUpdated, r)
	actorID := s.Actor.ID
	e.ActorID, e.ActorRole = &actorID, s.Actor.Role
	e.Location = &loc
	t.requests.Publish(ctx, e)
	return Ack{Accepted: true}, nil
}

// ReportPosition records a paramedic heartbeat that is not tied to any request.
func (t *Tracker) ReportPosition(ctx context.Context, paramedicID types.ID, p types.Point, at time.Time) (Ack, error) {
	if !p.Valid() {
		return Ack{}, fmt.Errorf("%w: coordinate out of range", request.ErrBadRequest)
	}
	if at.IsZero() {
		at = t.now()
	}
	ok, err := t.positions.Put(ctx, paramedicID, p, at.UTC())
	if err != nil {
		return Ack{}, err
	}
	if !ok {
		metrics.LocationSamples.WithLabelValues(string(request.RoleParamedic), ReasonStale).Inc()
		return Ack{Accepted: false, Reason: ReasonStale}, nil
	}
	metrics.LocationSamples.WithLabelValues(string(request.RoleParamedic), "heartbeat").Inc()
	return Ack{Accepted: true}, nil
}

// LastKnown returns the paramedic's freshest position. Lookup failures, timeouts and
// positions older than the TTL all degrade to ErrLocationUnavailable.
func (t *Tracker) LastKnown(ctx context.Context, paramedicID types.ID) (request.Location, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.SourceTimeout)
	defer cancel()

	p, ok, err := t.positions.Get(ctx, paramedicID)
	if err != nil {
		t.logger.Warn("last-known position lookup failed", zap.String("paramedic_id", string(paramedicID)), zap.Error(err))
		return request.Location{}, ErrLocationUnavailable
	}
	if !ok || t.now().Sub(p.SeenAt) > t.opts.LastKnownTTL {
		return request.Location{}, ErrLocationUnavailable
	}
	return request.Location{Point: p.Point, Timestamp: p.SeenAt}, nil
}

// Nearby lists fresh paramedic positions around center, closest first, marking those
// already bound to an active request.
func (t *Tracker) Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]Position, error) {
	if !center.Valid() || radiusKm <= 0 {
		return nil, fmt.Errorf("%w: center and positive radius required", request.ErrBadRequest)
	}
	found, err := t.positions.Nearby(ctx, center, radiusKm, limit)
	if err != nil {
		return nil, err
	}
	cutoff := t.now().Add(-t.opts.LastKnownTTL)
	out := make([]Position, 0, len(found))
	for _, p := range found {
		if p.SeenAt.Before(cutoff) {
			continue
		}
		active, err := t.requests.ActiveAssignment(ctx, p.ParamedicID)
		switch {
		case err == nil:
			id := active.ID
			p.ActiveRequestID = &id
		case !errors.Is(err, request.ErrNotFound):
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Estimate wraps the external estimator with a bounded timeout. Failures surface as
// maps.ErrEstimatorUnavailable and never affect request state.
func (t *Tracker) Estimate(ctx context.Context, from, to types.Point) (maps.Estimate, error) {
	if t.estimator == nil {
		metrics.EstimatorFailures.Inc()
		return maps.Estimate{}, maps.ErrEstimatorUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.SourceTimeout)
	defer cancel()

	est, err := t.estimator.Estimate(ctx, from, to)
	if err != nil {
		metrics.EstimatorFailures.Inc()
		t.logger.Warn("estimate failed", zap.Error(err))
		if errors.Is(err, maps.ErrEstimatorUnavailable) {
			return maps.Estimate{}, err
		}
		return maps.Estimate{}, fmt.Errorf("%w: %w", maps.ErrEstimatorUnavailable, err)
	}
	return est, nil
}

// admit runs a relay-only sample through the per-actor gate. A gate outage lets the sample
// through since nothing is stored.
func (t *Tracker) admit(ctx context.Context, id types.ID, s Sample) (Ack, bool) {
	ok, err := t.gate.Admit(ctx, id, s.Actor.ID, s.Timestamp)
	if err != nil {
		t.logger.Warn("sample gate unavailable", zap.String("request_id", string(id)), zap.Error(err))
		return Ack{}, true
	}
	if !ok {
		metrics.LocationSamples.WithLabelValues(string(s.Actor.Role), ReasonStale).Inc()
		return Ack{Accepted: false, Reason: ReasonStale}, false
	}
	return Ack{}, true
}

// remember feeds an accepted request sample into the last-known index. Best effort.
func (t *Tracker) remember(ctx context.Context, paramedicID types.ID, loc request.Location) {
	if _, err := t.positions.Put(ctx, paramedicID, loc.Point, loc.Timestamp); err != nil {
		t.logger.Warn("update last-known position", zap.String("paramedic_id", string(paramedicID)), zap.Error(err))
	}
}
