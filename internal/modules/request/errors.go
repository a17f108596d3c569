// README: Business-rule and lookup errors returned by the request lifecycle.
package request

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateActiveRequest = errors.New("patient already has an active request")
	ErrParamedicBusy          = errors.New("paramedic already has an active assignment")
	ErrRequestUnavailable     = errors.New("request is no longer pending")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrAlreadyTerminal        = errors.New("request already completed or cancelled")
	ErrNotFound               = errors.New("request not found")
	ErrBadRequest             = errors.New("bad request")
	ErrForbidden              = errors.New("actor not allowed on request")

	// ErrConflict is returned by stores when the expected version or status no longer matches.
	ErrConflict = errors.New("request state conflict")
)

// terminalErr fails an operation on a completed or cancelled request. It matches both
// ErrAlreadyTerminal and ErrInvalidTransition.
func terminalErr() error {
	return fmt.Errorf("%w: %w", ErrAlreadyTerminal, ErrInvalidTransition)
}

// Code returns a stable machine-readable code for a lifecycle error, or "" if err is not one.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateActiveRequest):
		return "duplicate_active_request"
	case errors.Is(err, ErrParamedicBusy):
		return "paramedic_busy"
	case errors.Is(err, ErrRequestUnavailable):
		return "request_unavailable"
	case errors.Is(err, ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return ""
}

// Kind groups errors by what the caller should do next.
type Kind string

const (
	KindRule      Kind = "rule"
	KindNotFound  Kind = "not_found"
	KindInvalid   Kind = "invalid"
	KindTransient Kind = "transient"
	KindInternal  Kind = "internal"
)

func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrForbidden):
		return KindInvalid
	case errors.Is(err, ErrDuplicateActiveRequest),
		errors.Is(err, ErrParamedicBusy),
		errors.Is(err, ErrRequestUnavailable),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrAlreadyTerminal):
		return KindRule
	case errors.Is(err, ErrConflict):
		return KindTransient
	}
	return KindInternal
}
