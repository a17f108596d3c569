// README: Read-only projections over the request store: active list, my requests, request by id.
package query

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"emsdispatch/internal/maps"
	"emsdispatch/internal/modules/request"
	"emsdispatch/internal/types"
)

type Reader interface {
	Get(ctx context.Context, id types.ID) (*request.Request, error)
	ListActive(ctx context.Context) ([]*request.Request, error)
	ListByActor(ctx context.Context, actorID types.ID, activeOnly bool) ([]*request.Request, error)
	History(ctx context.Context, id types.ID) ([]request.HistoryEntry, error)
}

type Estimator interface {
	Estimate(ctx context.Context, from, to types.Point) (maps.Estimate, error)
}

// View is a request plus fields computed at read time.
type View struct {
	*request.Request
	ETA            *maps.Estimate `json:"eta,omitempty"`
	ETAUnavailable bool           `json:"eta_unavailable,omitempty"`
}

type Service struct {
	reader    Reader
	estimator Estimator
	logger    *zap.Logger
}

func NewService(reader Reader, estimator Estimator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{reader: reader, estimator: estimator, logger: logger}
}

// Active lists pending, enroute and arrived requests for triage: highest priority
// first, oldest first within a priority.
func (s *Service) Active(ctx context.Context, actor request.Actor) ([]*request.Request, error) {
	switch actor.Role {
	case request.RoleParamedic, request.RoleAdmin, request.RoleSystem:
	default:
		return nil, request.ErrForbidden
	}
	list, err := s.reader.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	SortForTriage(list)
	return list, nil
}

// Mine lists requests the actor owns or is bound to, newest first.
func (s *Service) Mine(ctx context.Context, actor request.Actor, activeOnly bool) ([]*request.Request, error) {
	if actor.ID == "" {
		return nil, request.ErrForbidden
	}
	return s.reader.ListByActor(ctx, actor.ID, activeOnly)
}

// ByID returns one request the actor may see. With withETA it adds a travel estimate
// from the paramedic to the patient; estimator failures only set ETAUnavailable.
func (s *Service) ByID(ctx context.Context, actor request.Actor, id types.ID, withETA bool) (*View, error) {
	r, err := s.reader.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanView(actor, r) {
		return nil, request.ErrForbidden
	}
	v := &View{Request: r}
	if withETA && r.Status == request.StatusEnroute && r.ParamedicLocation != nil {
		s.attachETA(ctx, v)
	}
	return v, nil
}

// Get is ByID without the estimate.
func (s *Service) Get(ctx context.Context, actor request.Actor, id types.ID) (*request.Request, error) {
	v, err := s.ByID(ctx, actor, id, false)
	if err != nil {
		return nil, err
	}
	return v.Request, nil
}

func (s *Service) History(ctx context.Context, actor request.Actor, id types.ID) ([]request.HistoryEntry, error) {
	r, err := s.reader.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanView(actor, r) {
		return nil, request.ErrForbidden
	}
	return s.reader.History(ctx, id)
}

func (s *Service) attachETA(ctx context.Context, v *View) {
	if s.estimator == nil {
		v.ETAUnavailable = true
		return
	}
	est, err := s.estimator.Estimate(ctx, v.ParamedicLocation.Point, v.PatientLocation)
	if err != nil {
		if !errors.Is(err, maps.ErrEstimatorUnavailable) {
			s.logger.Warn("estimate", zap.String("request_id", string(v.ID)), zap.Error(err))
		}
		v.ETAUnavailable = true
		return
	}
	v.ETA = &est
}

// CanView reports whether actor may read r: admins always, the parties to the request,
// and any paramedic while it is still pending.
func CanView(actor request.Actor, r *request.Request) bool {
	switch actor.Role {
	case request.RoleAdmin, request.RoleSystem:
		return true
	case request.RoleParamedic:
		return r.Status == request.StatusPending || r.BoundTo(actor.ID)
	}
	return r.PatientID == actor.ID
}

func SortForTriage(list []*request.Request) {
	sort.SliceStable(list, func(i, j int) bool {
		pi, pj := list[i].Priority.Rank(), list[j].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
