// README: Assignment coordinator binds paramedics to pending requests (accept and admin assignment).
package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"emsdispatch/internal/metrics"
	"emsdispatch/internal/modules/location"
	"emsdispatch/internal/modules/request"
	"emsdispatch/internal/types"
)

type Lifecycle interface {
	Get(ctx context.Context, id types.ID) (*request.Request, error)
	Dispatch(ctx context.Context, cmd request.DispatchCommand) (*request.Request, error)
	ActiveAssignment(ctx context.Context, paramedicID types.ID) (*request.Request, error)
}

// Locator resolves and records paramedic positions.
type Locator interface {
	LastKnown(ctx context.Context, paramedicID types.ID) (request.Location, error)
	ReportPosition(ctx context.Context, paramedicID types.ID, p types.Point, at time.Time) (location.Ack, error)
}

type Coordinator struct {
	requests Lifecycle
	locator  Locator
	logger   *zap.Logger
	now      func() time.Time
}

func NewCoordinator(requests Lifecycle, locator Locator, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		requests: requests,
		locator:  locator,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Position is a coordinate supplied with an accept or assignment.
type Position struct {
	Point     types.Point
	Accuracy  *float64
	Timestamp time.Time
}

type AcceptCommand struct {
	RequestID types.ID
	Paramedic request.Actor
	// Position is the paramedic's current coordinate. When nil the last-known position
	// is used, and the accept fails with ErrLocationUnavailable if there is none.
	Position *Position
}

type AssignCommand struct {
	RequestID   types.ID
	ParamedicID types.ID
	Admin       request.Actor
	Position    *Position
}

// Accept lets a paramedic claim a pending request. Concurrent accepts on one request
// have exactly one winner; the rest get ErrRequestUnavailable.
func (c *Coordinator) Accept(ctx context.Context, cmd AcceptCommand) (*request.Request, error) {
	start := time.Now()
	defer func() { metrics.AcceptDuration.Observe(time.Since(start).Seconds()) }()

	if cmd.Paramedic.Role != request.RoleParamedic {
		return nil, c.reject("accept", request.ErrForbidden)
	}
	if cmd.RequestID == "" || cmd.Paramedic.ID == "" {
		return nil, request.ErrBadRequest
	}
	if err := c.precheck(ctx, "accept", cmd.RequestID, cmd.Paramedic.ID); err != nil {
		return nil, err
	}
	loc, err := c.resolve(ctx, cmd.Paramedic.ID, cmd.Position)
	if err != nil {
		return nil, c.reject("accept", err)
	}
	if loc == nil {
		return nil, c.reject("accept", location.ErrLocationUnavailable)
	}
	return c.dispatch(ctx, "accept", cmd.RequestID, cmd.Paramedic.ID, loc, cmd.Paramedic)
}

// AssignByAdmin binds a paramedic chosen by an admin. The coordinate is optional.
func (c *Coordinator) AssignByAdmin(ctx context.Context, cmd AssignCommand) (*request.Request, error) {
	start := time.Now()
	defer func() { metrics.AcceptDuration.Observe(time.Since(start).Seconds()) }()

	if cmd.Admin.Role != request.RoleAdmin {
		return nil, c.reject("assign", request.ErrForbidden)
	}
	if cmd.RequestID == "" || cmd.ParamedicID == "" {
		return nil, fmt.Errorf("%w: request and paramedic are required", request.ErrBadRequest)
	}
	if err := c.precheck(ctx, "assign", cmd.RequestID, cmd.ParamedicID); err != nil {
		return nil, err
	}
	loc, err := c.resolve(ctx, cmd.ParamedicID, cmd.Position)
	if err != nil {
		return nil, c.reject("assign", err)
	}
	return c.dispatch(ctx, "assign", cmd.RequestID, cmd.ParamedicID, loc, cmd.Admin)
}

// precheck rejects early, request availability first and paramedic availability second.
// Both are re-checked atomically at commit.
func (c *Coordinator) precheck(ctx context.Context, op string, requestID, paramedicID types.ID) error {
	r, err := c.requests.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Status != request.StatusPending {
		return c.reject(op, request.ErrRequestUnavailable)
	}
	active, err := c.requests.ActiveAssignment(ctx, paramedicID)
	switch {
	case err == nil && active.ID != requestID:
		return c.reject(op, request.ErrParamedicBusy)
	case err != nil && !errors.Is(err, request.ErrNotFound):
		return err
	}
	return nil
}

func (c *Coordinator) dispatch(ctx context.Context, op string, requestID, paramedicID types.ID, loc *request.Location, actor request.Actor) (*request.Request, error) {
	r, err := c.requests.Dispatch(ctx, request.DispatchCommand{
		RequestID:   requestID,
		ParamedicID: paramedicID,
		Location:    loc,
		Actor:       actor,
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("paramedic dispatched",
		zap.String("op", op),
		zap.String("request_id", string(r.ID)),
		zap.String("paramedic_id", string(paramedicID)),
		zap.String("actor_id", string(actor.ID)))
	return r, nil
}

// resolve returns the supplied coordinate, else the last-known one, else nil.
func (c *Coordinator) resolve(ctx context.Context, paramedicID types.ID, p *Position) (*request.Location, error) {
	if p != nil {
		if !p.Point.Valid() {
			return nil, fmt.Errorf("%w: coordinate out of range", request.ErrBadRequest)
		}
		at := p.Timestamp
		if at.IsZero() {
			at = c.now()
		}
		loc := &request.Location{Point: p.Point, Accuracy: p.Accuracy, Timestamp: at.UTC()}
		if c.locator != nil {
			if _, err := c.locator.ReportPosition(ctx, paramedicID, p.Point, loc.Timestamp); err != nil {
				c.logger.Warn("record accept position", zap.String("paramedic_id", string(paramedicID)), zap.Error(err))
			}
		}
		return loc, nil
	}
	if c.locator == nil {
		return nil, nil
	}
	last, err := c.locator.LastKnown(ctx, paramedicID)
	if errors.Is(err, location.ErrLocationUnavailable) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &last, nil
}

func (c *Coordinator) reject(op string, err error) error {
	reason := request.Code(err)
	if errors.Is(err, location.ErrLocationUnavailable) {
		reason = "location_unavailable"
	}
	metrics.Rejections.WithLabelValues(op, reason).Inc()
	c.logger.Debug("assignment rejected", zap.String("op", op), zap.Error(err))
	return err
}
