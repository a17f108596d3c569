// README: Events emitted for every committed state or location change.
package request

import (
	"context"
	"time"

	"github.com/google/uuid"

	"emsdispatch/internal/types"
)

type EventType string

const (
	EventRequestCreated   EventType = "RequestCreated"
	EventRequestAssigned  EventType = "RequestAssigned"
	EventStatusChanged    EventType = "StatusChanged"
	EventLocationUpdated  EventType = "LocationUpdated"
	EventRequestCancelled EventType = "RequestCancelled"
	// EventSnapshot is never published by the engine; transports use it to replay current state.
	EventSnapshot EventType = "Snapshot"
)

// Event carries the full request snapshot plus the delta that produced it.
// Seq is the request version at commit time; subscribers discard state events
// whose Seq is not newer than what they already hold.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Seq        int       `json:"seq"`
	RequestID  types.ID  `json:"request_id"`
	Request    Request   `json:"request"`
	From       Status    `json:"from,omitempty"`
	To         Status    `json:"to,omitempty"`
	ActorID    *types.ID `json:"actor_id,omitempty"`
	ActorRole  ActorRole `json:"actor_role,omitempty"`
	Location   *Location `json:"location,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// IsStateEvent reports whether the event must be delivered reliably and in order.
func (e Event) IsStateEvent() bool {
	return e.Type != EventLocationUpdated
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

// NewEvent builds an event of type t around a snapshot of r.
func NewEvent(t EventType, r *Request) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Seq:        r.Version,
		RequestID:  r.ID,
		Request:    *r.Clone(),
		OccurredAt: time.Now().UTC(),
	}
}
