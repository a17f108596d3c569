// README: State machine table tests (no database).
package request

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"emsdispatch/internal/types"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		// forward path
		{StatusPending, StatusEnroute, true},
		{StatusEnroute, StatusArrived, true},
		{StatusArrived, StatusCompleted, true},
		// cancel from every non-terminal state
		{StatusPending, StatusCancelled, true},
		{StatusEnroute, StatusCancelled, true},
		{StatusArrived, StatusCancelled, true},
		// skipping states
		{StatusPending, StatusArrived, false},
		{StatusPending, StatusCompleted, false},
		{StatusEnroute, StatusCompleted, false},
		// going back
		{StatusEnroute, StatusPending, false},
		{StatusArrived, StatusEnroute, false},
		// self loops
		{StatusPending, StatusPending, false},
		{StatusArrived, StatusArrived, false},
		// terminal states have no outgoing transitions
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
		{StatusCompleted, StatusArrived, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, CanTransition(tc.from, tc.to), "CanTransition(%s, %s)", tc.from, tc.to)
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusCancelled} {
		for _, to := range Statuses {
			assert.Falsef(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusPending.IsActive())
	assert.False(t, StatusPending.IsBusy())
	assert.True(t, StatusEnroute.IsBusy())
	assert.True(t, StatusArrived.IsBusy())
	assert.False(t, StatusCompleted.IsActive())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, Status("driving").Valid())
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.False(t, Priority("urgent").Valid())
}

func TestCloneIsDeep(t *testing.T) {
	pid := "m1"
	now := time.Now()
	acc := 5.0
	r := &Request{ID: "r1", Status: StatusEnroute, DispatchTime: &now}
	id := types.ID(pid)
	r.ParamedicID = &id
	r.ParamedicLocation = &Location{Accuracy: &acc, Timestamp: now}

	cp := r.Clone()
	*cp.ParamedicID = "m2"
	*cp.ParamedicLocation.Accuracy = 9
	*cp.DispatchTime = now.Add(time.Hour)

	assert.Equal(t, types.ID("m1"), *r.ParamedicID)
	assert.Equal(t, 5.0, *r.ParamedicLocation.Accuracy)
	assert.Equal(t, now, *r.DispatchTime)
}

func TestNotBefore(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	later := base.Add(time.Minute)
	assert.Equal(t, later, notBefore(base, &later, nil))
	assert.Equal(t, later, notBefore(later, &base))
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{ErrParamedicBusy, KindRule},
		{terminalErr(), KindRule},
		{fmt.Errorf("accept: %w", ErrRequestUnavailable), KindRule},
		{ErrNotFound, KindNotFound},
		{ErrForbidden, KindInvalid},
		{ErrConflict, KindTransient},
		{errors.New("disk on fire"), KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(tc.err), tc.err.Error())
	}
}
