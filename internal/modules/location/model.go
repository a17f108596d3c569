// README: Location samples, acknowledgements and last-known paramedic positions.
package location

import (
	"errors"
	"time"

	"emsdispatch/internal/modules/request"
	"emsdispatch/internal/types"
)

// ErrLocationUnavailable means no usable coordinate exists for an operation that needs one.
var ErrLocationUnavailable = errors.New("location unavailable")

// Sample is one timestamped coordinate reported by a party to a request.
type Sample struct {
	RequestID types.ID
	Actor     request.Actor
	Point     types.Point
	Accuracy  *float64
	Timestamp time.Time
}

const (
	ReasonStale = "stale"
)

// Ack tells the reporter whether the sample was applied. A stale sample is still a success.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Position is a paramedic's last-known coordinate, independent of any request.
type Position struct {
	ParamedicID     types.ID    `json:"paramedic_id"`
	Point           types.Point `json:"point"`
	SeenAt          time.Time   `json:"seen_at"`
	DistanceKm      float64     `json:"distance_km,omitempty"`
	ActiveRequestID *types.ID   `json:"active_request_id,omitempty"`
}
