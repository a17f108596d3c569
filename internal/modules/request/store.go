// README: Request Store contract shared by the Postgres and in-memory implementations.
package request

import (
	"context"
	"time"

	"emsdispatch/internal/types"
)

// Change describes one guarded transition. Nil fields keep their stored value.
type Change struct {
	To                Status
	ParamedicID       *types.ID
	ParamedicLocation *Location
	DispatchTime      *time.Time
	ArrivalTime       *time.Time
	CompletionTime    *time.Time
	Notes             *string
	CancelledBy       *types.ID
	CancelReason      *string
	ActorID           *types.ID
	ActorRole         ActorRole
	At                time.Time
}

// Details holds the free-text fields that stay mutable until a request is terminal.
type Details struct {
	Description   *string
	ContactNumber *string
	Notes         *string
}

func (d Details) Empty() bool {
	return d.Description == nil && d.ContactNumber == nil && d.Notes == nil
}

// Store is the single source of truth for requests. Implementations must make
//   - Create fail with ErrDuplicateActiveRequest when the patient already owns an active request,
//   - Transition succeed only when status and version still match (else ErrConflict), and fail
//     with ErrParamedicBusy when binding a paramedic who is busy on another request,
//   - RecordParamedicLocation apply only to an enroute request bound to that paramedic and only
//     when the sample is newer than the stored one,
//
// atomically, so concurrent callers on any number of instances cannot break the invariants.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id types.ID) (*Request, error)
	Transition(ctx context.Context, id types.ID, from Status, version int, ch Change) (*Request, error)
	UpdateDetails(ctx context.Context, id types.ID, version int, d Details) (*Request, error)
	RecordParamedicLocation(ctx context.Context, id, paramedicID types.ID, loc Location) (*Request, bool, error)
	ListActive(ctx context.Context) ([]*Request, error)
	ListByActor(ctx context.Context, actorID types.ID, activeOnly bool) ([]*Request, error)
	ActiveByPatient(ctx context.Context, patientID types.ID) (*Request, error)
	ActiveByParamedic(ctx context.Context, paramedicID types.ID) (*Request, error)
	History(ctx context.Context, id types.ID) ([]HistoryEntry, error)
}

// applyChange mutates r in place with the non-nil fields of ch.
func applyChange(r *Request, ch Change) {
	r.Status = ch.To
	if ch.ParamedicID != nil {
		id := *ch.ParamedicID
		r.ParamedicID = &id
	}
	if ch.ParamedicLocation != nil {
		loc := *ch.ParamedicLocation
		r.ParamedicLocation = &loc
	}
	if ch.DispatchTime != nil {
		r.DispatchTime = copyTime(ch.DispatchTime)
	}
	if ch.ArrivalTime != nil {
		r.ArrivalTime = copyTime(ch.ArrivalTime)
	}
	if ch.CompletionTime != nil {
		r.CompletionTime = copyTime(ch.CompletionTime)
	}
	if ch.Notes != nil {
		r.Notes = *ch.Notes
	}
	if ch.CancelledBy != nil {
		id := *ch.CancelledBy
		r.CancelledBy = &id
	}
	if ch.CancelReason != nil {
		reason := *ch.CancelReason
		r.CancelReason = &reason
	}
	r.Version++
	r.UpdatedAt = ch.At
}

func applyDetails(r *Request, d Details, at time.Time) {
	if d.Description != nil {
		r.Description = *d.Description
	}
	if d.ContactNumber != nil {
		r.ContactNumber = *d.ContactNumber
	}
	if d.Notes != nil {
		r.Notes = *d.Notes
	}
	r.Version++
	r.UpdatedAt = at
}
