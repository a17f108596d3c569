// README: Request lifecycle service implements state transitions, guards and event emission.
package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"emsdispatch/internal/metrics"
	"emsdispatch/internal/types"
)

// maxConflictRetries bounds how often a transition re-reads after losing a store CAS
// to a concurrent writer (for example a details edit from another instance).
const maxConflictRetries = 3

type Service struct {
	store     Store
	publisher Publisher
	locks     *keyLocks
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(store Store, publisher Publisher, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		publisher: publisher,
		locks:     newKeyLocks(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type CreateCommand struct {
	PatientID     types.ID
	Location      types.Point
	EmergencyType string
	Priority      Priority
	Description   string
	ContactNumber string
}

type DispatchCommand struct {
	RequestID   types.ID
	ParamedicID types.ID
	Location    *Location
	Actor       Actor
}

type ArriveCommand struct {
	RequestID types.ID
	Actor     Actor
	Notes     string
}

type CompleteCommand struct {
	RequestID types.ID
	Actor     Actor
	Notes     string
}

type CancelCommand struct {
	RequestID types.ID
	Actor     Actor
	Reason    string
}

type UpdateStatusCommand struct {
	RequestID types.ID
	Actor     Actor
	Target    Status
	Notes     string
}

type UpdateDetailsCommand struct {
	RequestID types.ID
	Actor     Actor
	Details   Details
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Request, error) {
	cmd.EmergencyType = strings.TrimSpace(cmd.EmergencyType)
	if cmd.PatientID == "" || cmd.EmergencyType == "" {
		return nil, fmt.Errorf("%w: patient and emergency type are required", ErrBadRequest)
	}
	if !cmd.Location.Valid() {
		return nil, fmt.Errorf("%w: patient location out of range", ErrBadRequest)
	}
	if cmd.Priority == "" {
		cmd.Priority = PriorityMedium
	}
	if !cmd.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrBadRequest, cmd.Priority)
	}

	if _, err := s.store.ActiveByPatient(ctx, cmd.PatientID); err == nil {
		return nil, s.reject("create", ErrDuplicateActiveRequest)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now()
	r := &Request{
		ID:              types.ID(uuid.NewString()),
		PatientID:       cmd.PatientID,
		Status:          StatusPending,
		Priority:        cmd.Priority,
		EmergencyType:   cmd.EmergencyType,
		PatientLocation: cmd.Location,
		Description:     cmd.Description,
		ContactNumber:   cmd.ContactNumber,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// Hold the new id so no transition on it can publish ahead of RequestCreated.
	unlock := s.locks.Lock(r.ID)
	defer unlock()
	if err := s.store.Create(ctx, r); err != nil {
		if errors.Is(err, ErrDuplicateActiveRequest) {
			return nil, s.reject("create", err)
		}
		return nil, err
	}
	metrics.Transitions.WithLabelValues(string(StatusNone), string(StatusPending)).Inc()

	e := NewEvent(EventRequestCreated, r)
	e.From, e.To = StatusNone, StatusPending
	e.ActorID, e.ActorRole = &r.PatientID, RolePatient
	s.publish(ctx, e)
	return r.Clone(), nil
}

// Dispatch binds a paramedic to a pending request and moves it to enroute. Only the
// first committer wins; everyone else gets ErrRequestUnavailable or ErrParamedicBusy.
func (s *Service) Dispatch(ctx context.Context, cmd DispatchCommand) (*Request, error) {
	if cmd.RequestID == "" || cmd.ParamedicID == "" {
		return nil, ErrBadRequest
	}
	unlock := s.locks.Lock(cmd.RequestID)
	defer unlock()

	r, err := s.store.Get(ctx, cmd.RequestID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, s.reject("dispatch", ErrRequestUnavailable)
	}

	now := notBefore(s.now(), &r.CreatedAt)
	actorID := cmd.Actor.ID
	ch := Change{
		To:                StatusEnroute,
		ParamedicID:       &cmd.ParamedicID,
		ParamedicLocation: cmd.Location,
		DispatchTime:      &now,
		ActorID:           &actorID,
		ActorRole:         cmd.Actor.Role,
		At:                now,
	}
	updated, err := s.store.Transition(ctx, r.ID, StatusPending, r.Version, ch)
	switch {
	case errors.Is(err, ErrConflict):
		return nil, s.reject("dispatch", ErrRequestUnavailable)
	case errors.Is(err, ErrParamedicBusy):
		return nil, s.reject("dispatch", err)
	case err != nil:
		return nil, err
	}
	metrics.Transitions.WithLabelValues(string(StatusPending), string(StatusEnroute)).Inc()

	e := NewEvent(EventRequestAssigned, updated)
	e.From, e.To = StatusPending, StatusEnroute
	e.ActorID, e.ActorRole = &actorID, cmd.Actor.Role
	e.Location = updated.ParamedicLocation
	s.publish(ctx, e)
	return updated, nil
}

func (s *Service) MarkArrived(ctx context.Context, cmd ArriveCommand) (*Request, error) {
	return s.transition(ctx, cmd.RequestID, transitionStep{
		op:        "arrive",
		to:        StatusArrived,
		event:     EventStatusChanged,
		actor:     cmd.Actor,
		authorize: boundParamedicOrAdmin,
		change: func(r *Request, now time.Time) Change {
			at := notBefore(now, r.DispatchTime)
			ch := Change{ArrivalTime: &at, At: at}
			if cmd.Notes != "" {
				ch.Notes = &cmd.Notes
			}
			return ch
		},
	})
}

func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (*Request, error) {
	return s.transition(ctx, cmd.RequestID, transitionStep{
		op:        "complete",
		to:        StatusCompleted,
		event:     EventStatusChanged,
		actor:     cmd.Actor,
		authorize: boundParamedicOrAdmin,
		change: func(r *Request, now time.Time) Change {
			at := notBefore(now, r.DispatchTime, r.ArrivalTime)
			ch := Change{CompletionTime: &at, At: at}
			if cmd.Notes != "" {
				ch.Notes = &cmd.Notes
			}
			return ch
		},
	})
}

// Cancel ends a request from any non-terminal state. The paramedic binding, if any,
// is kept for the record but stops counting as busy.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Request, error) {
	return s.transition(ctx, cmd.RequestID, transitionStep{
		op:        "cancel",
		to:        StatusCancelled,
		event:     EventRequestCancelled,
		actor:     cmd.Actor,
		authorize: partyOrAdmin,
		change: func(r *Request, now time.Time) Change {
			at := notBefore(now, &r.CreatedAt, r.DispatchTime, r.ArrivalTime)
			by := cmd.Actor.ID
			ch := Change{CompletionTime: &at, CancelledBy: &by, At: at}
			if reason := strings.TrimSpace(cmd.Reason); reason != "" {
				ch.CancelReason = &reason
			}
			return ch
		},
	})
}

// UpdateStatus routes a generic status change to the matching operation. Moving to
// enroute is only possible through accept or admin assignment.
func (s *Service) UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (*Request, error) {
	switch cmd.Target {
	case StatusArrived:
		return s.MarkArrived(ctx, ArriveCommand{RequestID: cmd.RequestID, Actor: cmd.Actor, Notes: cmd.Notes})
	case StatusCompleted:
		return s.Complete(ctx, CompleteCommand{RequestID: cmd.RequestID, Actor: cmd.Actor, Notes: cmd.Notes})
	case StatusCancelled:
		return s.Cancel(ctx, CancelCommand{RequestID: cmd.RequestID, Actor: cmd.Actor, Reason: cmd.Notes})
	case StatusPending, StatusEnroute:
		r, err := s.store.Get(ctx, cmd.RequestID)
		if err != nil {
			return nil, err
		}
		if r.IsTerminal() {
			return nil, s.reject("update_status", terminalErr())
		}
		return nil, s.reject("update_status", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, cmd.Target))
	}
	return nil, fmt.Errorf("%w: unknown status %q", ErrBadRequest, cmd.Target)
}

// UpdateDetails edits free-text fields on a non-terminal request. It does not change
// the status and emits no event.
func (s *Service) UpdateDetails(ctx context.Context, cmd UpdateDetailsCommand) (*Request, error) {
	if cmd.Details.Empty() {
		return nil, fmt.Errorf("%w: nothing to update", ErrBadRequest)
	}
	unlock := s.locks.Lock(cmd.RequestID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		r, err := s.store.Get(ctx, cmd.RequestID)
		if err != nil {
			return nil, err
		}
		if r.IsTerminal() {
			return nil, s.reject("update_details", terminalErr())
		}
		if err := partyOrAdmin(r, cmd.Actor); err != nil {
			return nil, s.reject("update_details", err)
		}
		updated, err := s.store.UpdateDetails(ctx, r.ID, r.Version, cmd.Details)
		if errors.Is(err, ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		return updated, err
	}
}

// RecordParamedicLocation stores a paramedic sample when it is newer than the stored one.
// It bypasses the request lock so location traffic never waits on lifecycle writes.
func (s *Service) RecordParamedicLocation(ctx context.Context, id, paramedicID types.ID, loc Location) (*Request, bool, error) {
	return s.store.RecordParamedicLocation(ctx, id, paramedicID, loc)
}

// Publish forwards a non-lifecycle event, such as a location update, to subscribers.
func (s *Service) Publish(ctx context.Context, e Event) {
	s.publish(ctx, e)
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Request, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListActive(ctx context.Context) ([]*Request, error) {
	return s.store.ListActive(ctx)
}

func (s *Service) ListByActor(ctx context.Context, actorID types.ID, activeOnly bool) ([]*Request, error) {
	return s.store.ListByActor(ctx, actorID, activeOnly)
}

// ActiveAssignment returns the enroute or arrived request bound to the paramedic.
func (s *Service) ActiveAssignment(ctx context.Context, paramedicID types.ID) (*Request, error) {
	return s.store.ActiveByParamedic(ctx, paramedicID)
}

func (s *Service) History(ctx context.Context, id types.ID) ([]HistoryEntry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

type transitionStep struct {
	op        string
	to        Status
	event     EventType
	actor     Actor
	authorize func(r *Request, a Actor) error
	change    func(r *Request, now time.Time) Change
}

func (s *Service) transition(ctx context.Context, id types.ID, step transitionStep) (*Request, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		r, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.IsTerminal() {
			return nil, s.reject(step.op, terminalErr())
		}
		if !CanTransition(r.Status, step.to) {
			return nil, s.reject(step.op, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, step.to))
		}
		if step.authorize != nil {
			if err := step.authorize(r, step.actor); err != nil {
				return nil, s.reject(step.op, err)
			}
		}

		ch := step.change(r, s.now())
		ch.To = step.to
		actorID := step.actor.ID
		ch.ActorID, ch.ActorRole = &actorID, step.actor.Role

		updated, err := s.store.Transition(ctx, id, r.Status, r.Version, ch)
		if errors.Is(err, ErrConflict) && attempt < maxConflictRetries {
			s.logger.Debug("transition lost race, retrying",
				zap.String("request_id", string(id)), zap.String("op", step.op), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.Transitions.WithLabelValues(string(r.Status), string(step.to)).Inc()

		e := NewEvent(step.event, updated)
		e.From, e.To = r.Status, step.to
		e.ActorID, e.ActorRole = &actorID, step.actor.Role
		s.publish(ctx, e)
		return updated, nil
	}
}

func (s *Service) publish(ctx context.Context, e Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("publish event",
			zap.String("request_id", string(e.RequestID)),
			zap.String("type", string(e.Type)),
			zap.Int("seq", e.Seq),
			zap.Error(err))
	}
}

func (s *Service) reject(op string, err error) error {
	metrics.Rejections.WithLabelValues(op, Code(err)).Inc()
	s.logger.Debug("request operation rejected", zap.String("op", op), zap.Error(err))
	return err
}

func boundParamedicOrAdmin(r *Request, a Actor) error {
	if a.Role == RoleAdmin || a.Role == RoleSystem {
		return nil
	}
	if a.Role == RoleParamedic && r.BoundTo(a.ID) {
		return nil
	}
	return ErrForbidden
}

func partyOrAdmin(r *Request, a Actor) error {
	if a.Role == RoleAdmin || a.Role == RoleSystem {
		return nil
	}
	if r.Involves(a.ID) {
		return nil
	}
	return ErrForbidden
}
