// README: Concurrency tests for accept/cancel races (run with -race).
package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emsdispatch/internal/types"
)

func TestConcurrentDispatchSameRequest(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := NewService(store, nil, nil)
		ctx := context.Background()
		r := mustCreate(t, svc, uniqueID("p"))

		const paramedics = 8
		errs := make(chan error, paramedics)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < paramedics; i++ {
			wg.Add(1)
			go func(mid types.ID) {
				defer wg.Done()
				<-start
				_, err := svc.Dispatch(ctx, DispatchCommand{RequestID: r.ID, ParamedicID: mid, Actor: Actor{ID: mid, Role: RoleParamedic}})
				errs <- err
			}(uniqueID(fmt.Sprintf("m%d", i)))
		}
		close(start)
		wg.Wait()
		close(errs)

		success := 0
		for err := range errs {
			if err == nil {
				success++
				continue
			}
			if !errors.Is(err, ErrRequestUnavailable) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, success)

		got, err := svc.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusEnroute, got.Status)
		assert.Equal(t, 1, got.Version)
	})
}

func TestConcurrentDispatchSameParamedic(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		// Two services over one store stand in for two API instances.
		first := NewService(store, nil, nil)
		second := NewService(store, nil, nil)
		ctx := context.Background()
		medic := uniqueID("m")

		a := mustCreate(t, first, uniqueID("p"))
		b := mustCreate(t, first, uniqueID("p"))

		errs := make(chan error, 2)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, pair := range []struct {
			svc *Service
			id  types.ID
		}{{first, a.ID}, {second, b.ID}} {
			wg.Add(1)
			go func(svc *Service, id types.ID) {
				defer wg.Done()
				<-start
				_, err := svc.Dispatch(ctx, DispatchCommand{RequestID: id, ParamedicID: medic, Actor: Actor{ID: medic, Role: RoleParamedic}})
				errs <- err
			}(pair.svc, pair.id)
		}
		close(start)
		wg.Wait()
		close(errs)

		success := 0
		for err := range errs {
			if err == nil {
				success++
				continue
			}
			if !errors.Is(err, ErrParamedicBusy) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, success)

		busy, err := first.ActiveAssignment(ctx, medic)
		require.NoError(t, err)
		assert.Contains(t, []types.ID{a.ID, b.ID}, busy.ID)
	})
}

func TestConcurrentDispatchVsCancel(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := NewService(store, nil, nil)
		ctx := context.Background()
		patient := uniqueID("p")
		medic := uniqueID("m")
		r := mustCreate(t, svc, patient)

		var wg sync.WaitGroup
		var dispatchErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, dispatchErr = svc.Dispatch(ctx, DispatchCommand{RequestID: r.ID, ParamedicID: medic, Actor: Actor{ID: medic, Role: RoleParamedic}})
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = svc.Cancel(ctx, CancelCommand{RequestID: r.ID, Actor: Actor{ID: patient, Role: RolePatient}, Reason: "resolved"})
		}()
		wg.Wait()

		require.NoError(t, cancelErr, "cancel is valid from both pending and enroute")
		if dispatchErr != nil {
			assert.ErrorIs(t, dispatchErr, ErrRequestUnavailable)
		}

		got, err := svc.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
		_, err = svc.ActiveAssignment(ctx, medic)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConcurrentCreateSamePatient(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		patient := uniqueID("p")

		const attempts = 6
		errs := make(chan error, attempts)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				// Separate services share only the store, like separate instances.
				svc := NewService(store, nil, nil)
				<-start
				_, err := svc.Create(ctx, CreateCommand{PatientID: patient, Location: types.Point{Lat: 1, Lng: 2}, EmergencyType: "burn"})
				errs <- err
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		success := 0
		for err := range errs {
			if err == nil {
				success++
				continue
			}
			if !errors.Is(err, ErrDuplicateActiveRequest) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, success)
	})
}
