// README: EMS request aggregate, status and priority definitions.
package request

import (
	"time"

	"emsdispatch/internal/types"
)

type Status string

const (
	StatusNone      Status = "none"
	StatusPending   Status = "pending"
	StatusEnroute   Status = "enroute"
	StatusArrived   Status = "arrived"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every state a request can be in, in lifecycle order.
var Statuses = []Status{StatusPending, StatusEnroute, StatusArrived, StatusCompleted, StatusCancelled}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsActive reports whether the status counts towards the one-active-request-per-patient rule.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusEnroute || s == StatusArrived
}

// IsBusy reports whether a paramedic bound in this status is unavailable for another request.
func (s Status) IsBusy() bool {
	return s == StatusEnroute || s == StatusArrived
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Rank orders priorities for triage, critical highest.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

type ActorRole string

const (
	RolePatient   ActorRole = "patient"
	RoleParamedic ActorRole = "paramedic"
	RoleAdmin     ActorRole = "admin"
	RoleSystem    ActorRole = "system"
)

// Actor is the authenticated caller on whose behalf an operation runs.
type Actor struct {
	ID   types.ID
	Role ActorRole
}

// Location is one accepted position sample.
type Location struct {
	Point     types.Point `json:"point"`
	Accuracy  *float64    `json:"accuracy,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type Request struct {
	ID                types.ID    `json:"id"`
	PatientID         types.ID    `json:"patient_id"`
	ParamedicID       *types.ID   `json:"paramedic_id"`
	Status            Status      `json:"status"`
	Priority          Priority    `json:"priority"`
	EmergencyType     string      `json:"emergency_type"`
	PatientLocation   types.Point `json:"patient_location"`
	ParamedicLocation *Location   `json:"paramedic_location,omitempty"`
	Description       string      `json:"description,omitempty"`
	ContactNumber     string      `json:"contact_number,omitempty"`
	Notes             string      `json:"notes,omitempty"`
	CancelledBy       *types.ID   `json:"cancelled_by,omitempty"`
	CancelReason      *string     `json:"cancel_reason,omitempty"`
	Version           int         `json:"version"`
	CreatedAt         time.Time   `json:"created_at"`
	DispatchTime      *time.Time  `json:"dispatch_time,omitempty"`
	ArrivalTime       *time.Time  `json:"arrival_time,omitempty"`
	CompletionTime    *time.Time  `json:"completion_time,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

func (r *Request) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// BoundTo reports whether id is the paramedic bound to the request.
func (r *Request) BoundTo(id types.ID) bool {
	return r.ParamedicID != nil && *r.ParamedicID == id
}

// Involves reports whether id is the owning patient or the bound paramedic.
func (r *Request) Involves(id types.ID) bool {
	return r.PatientID == id || r.BoundTo(id)
}

// Clone returns a deep copy so callers never share pointers with the store.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ParamedicID != nil {
		id := *r.ParamedicID
		cp.ParamedicID = &id
	}
	if r.ParamedicLocation != nil {
		loc := *r.ParamedicLocation
		if loc.Accuracy != nil {
			acc := *loc.Accuracy
			loc.Accuracy = &acc
		}
		cp.ParamedicLocation = &loc
	}
	if r.CancelledBy != nil {
		id := *r.CancelledBy
		cp.CancelledBy = &id
	}
	if r.CancelReason != nil {
		reason := *r.CancelReason
		cp.CancelReason = &reason
	}
	cp.DispatchTime = copyTime(r.DispatchTime)
	cp.ArrivalTime = copyTime(r.ArrivalTime)
	cp.CompletionTime = copyTime(r.CompletionTime)
	return &cp
}

// HistoryEntry is one committed status change.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	RequestID  types.ID  `json:"request_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	ActorID    *types.ID `json:"actor_id,omitempty"`
	ActorRole  ActorRole `json:"actor_role"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AllowedTransitions represents the request state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending: {StatusEnroute, StatusCancelled},
	StatusEnroute: {StatusArrived, StatusCancelled},
	StatusArrived: {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// notBefore keeps lifecycle timestamps monotonic when clocks disagree.
func notBefore(t time.Time, floors ...*time.Time) time.Time {
	for _, f := range floors {
		if f != nil && t.Before(*f) {
			t = *f
		}
	}
	return t
}
