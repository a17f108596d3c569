// README: Postgres store tests; skipped unless EMS_TEST_DSN points at a disposable database.
package request

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emsdispatch/internal/infra"
	"emsdispatch/internal/types"
)

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("EMS_TEST_DSN")
	if dsn == "" {
		t.Skip("EMS_TEST_DSN not set")
	}
	if err := infra.Migrate(dsn, "file://../../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, `TRUNCATE ems_request_events, ems_requests`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewPostgresStore(pool)
}

// forEachStore runs fn against the in-memory store and, when configured, Postgres.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("postgres", func(t *testing.T) { fn(t, setupPostgresStore(t)) })
}

func newRequest(patient types.ID, at time.Time) *Request {
	return &Request{
		ID:              uniqueID("req"),
		PatientID:       patient,
		Status:          StatusPending,
		Priority:        PriorityCritical,
		EmergencyType:   "trauma",
		PatientLocation: types.Point{Lat: 1, Lng: 2},
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

func dispatchChange(paramedic types.ID, at time.Time) Change {
	return Change{
		To:           StatusEnroute,
		ParamedicID:  &paramedic,
		DispatchTime: &at,
		ActorID:      &paramedic,
		ActorRole:    RoleParamedic,
		At:           at,
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)
		r := newRequest(uniqueID("p"), now)
		r.Description = "unconscious"
		require.NoError(t, store.Create(ctx, r))

		got, err := store.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.PatientID, got.PatientID)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, PriorityCritical, got.Priority)
		assert.Equal(t, "unconscious", got.Description)
		assert.Nil(t, got.ParamedicID)
		assert.True(t, got.CreatedAt.Equal(now))

		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		dup := newRequest(r.PatientID, now)
		assert.ErrorIs(t, store.Create(ctx, dup), ErrDuplicateActiveRequest)
	})
}

func TestStoreTransitionGuards(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		medic := uniqueID("m")

		a := newRequest(uniqueID("p"), now)
		b := newRequest(uniqueID("p"), now)
		require.NoError(t, store.Create(ctx, a))
		require.NoError(t, store.Create(ctx, b))

		updated, err := store.Transition(ctx, a.ID, StatusPending, 0, dispatchChange(medic, now))
		require.NoError(t, err)
		assert.Equal(t, 1, updated.Version)
		assert.True(t, updated.BoundTo(medic))

		_, err = store.Transition(ctx, a.ID, StatusPending, 0, dispatchChange(uniqueID("m"), now))
		assert.ErrorIs(t, err, ErrConflict)

		_, err = store.Transition(ctx, b.ID, StatusPending, 0, dispatchChange(medic, now))
		assert.ErrorIs(t, err, ErrParamedicBusy)

		busy, err := store.ActiveByParamedic(ctx, medic)
		require.NoError(t, err)
		assert.Equal(t, a.ID, busy.ID)

		_, err = store.Transition(ctx, a.ID, StatusEnroute, 1, Change{To: StatusCancelled, CompletionTime: &now, At: now})
		require.NoError(t, err)
		_, err = store.ActiveByParamedic(ctx, medic)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.Transition(ctx, b.ID, StatusPending, 0, dispatchChange(medic, now))
		require.NoError(t, err)

		history, err := store.History(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, StatusEnroute, history[1].ToStatus)
		assert.Equal(t, StatusCancelled, history[2].ToStatus)
	})
}

func TestStoreRecordParamedicLocation(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)
		medic := uniqueID("m")
		r := newRequest(uniqueID("p"), now)
		require.NoError(t, store.Create(ctx, r))

		_, ok, err := store.RecordParamedicLocation(ctx, r.ID, medic, Location{Timestamp: now})
		require.NoError(t, err)
		assert.False(t, ok, "pending requests take no paramedic samples")

		_, err = store.Transition(ctx, r.ID, StatusPending, 0, dispatchChange(medic, now))
		require.NoError(t, err)

		at10 := now.Add(10 * time.Second)
		_, ok, err = store.RecordParamedicLocation(ctx, r.ID, medic, Location{Point: types.Point{Lat: 1.05, Lng: 2.05}, Timestamp: at10})
		require.NoError(t, err)
		assert.True(t, ok)

		got, ok, err := store.RecordParamedicLocation(ctx, r.ID, medic, Location{Point: types.Point{Lat: 1.02, Lng: 2.02}, Timestamp: now.Add(8 * time.Second)})
		require.NoError(t, err)
		assert.False(t, ok)
		require.NotNil(t, got.ParamedicLocation)
		assert.Equal(t, types.Point{Lat: 1.05, Lng: 2.05}, got.ParamedicLocation.Point)
		assert.True(t, got.ParamedicLocation.Timestamp.Equal(at10))
		assert.Equal(t, 1, got.Version)

		at20 := now.Add(20 * time.Second)
		_, err = store.Transition(ctx, r.ID, StatusEnroute, 1, Change{
			To: StatusArrived, ArrivalTime: &at20, ActorID: &medic, ActorRole: RoleParamedic, At: at20,
		})
		require.NoError(t, err)

		got, ok, err = store.RecordParamedicLocation(ctx, r.ID, medic, Location{Point: types.Point{Lat: 1.001, Lng: 2.001}, Timestamp: now.Add(30 * time.Second)})
		require.NoError(t, err)
		assert.False(t, ok, "the stored location is frozen once the paramedic has arrived")
		assert.Equal(t, StatusArrived, got.Status)
		assert.Equal(t, types.Point{Lat: 1.05, Lng: 2.05}, got.ParamedicLocation.Point)
	})
}

func TestStoreListings(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		patient := uniqueID("p")
		medic := uniqueID("m")

		old := newRequest(patient, now.Add(-time.Hour))
		require.NoError(t, store.Create(ctx, old))
		_, err := store.Transition(ctx, old.ID, StatusPending, 0, Change{To: StatusCancelled, CompletionTime: &now, At: now})
		require.NoError(t, err)

		current := newRequest(patient, now)
		require.NoError(t, store.Create(ctx, current))
		_, err = store.Transition(ctx, current.ID, StatusPending, 0, dispatchChange(medic, now))
		require.NoError(t, err)

		mine, err := store.ListByActor(ctx, patient, false)
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, current.ID, mine[0].ID, "newest first")

		activeOnly, err := store.ListByActor(ctx, patient, true)
		require.NoError(t, err)
		require.Len(t, activeOnly, 1)

		medicView, err := store.ListByActor(ctx, medic, false)
		require.NoError(t, err)
		require.Len(t, medicView, 1)

		active, err := store.ListActive(ctx)
		require.NoError(t, err)
		var ids []types.ID
		for _, r := range active {
			ids = append(ids, r.ID)
		}
		assert.Contains(t, ids, current.ID)
		assert.NotContains(t, ids, old.ID)
	})
}

func TestStoreUpdateDetails(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		r := newRequest(uniqueID("p"), now)
		require.NoError(t, store.Create(ctx, r))

		phone := "+15550100"
		got, err := store.UpdateDetails(ctx, r.ID, 0, Details{ContactNumber: &phone})
		require.NoError(t, err)
		assert.Equal(t, phone, got.ContactNumber)
		assert.Equal(t, 1, got.Version)

		_, err = store.UpdateDetails(ctx, r.ID, 0, Details{ContactNumber: &phone})
		assert.ErrorIs(t, err, ErrConflict)
	})
}
