// README: In-memory Request Store for local runs and tests; enforces the same invariants as Postgres.
package request

import (
	"context"
	"sort"
	"sync"
	"time"

	"emsdispatch/internal/types"
)

type MemoryStore struct {
	mu            sync.RWMutex
	requests      map[types.ID]*Request
	history       map[types.ID][]HistoryEntry
	activePatient map[types.ID]types.ID
	busyParamedic map[types.ID]types.ID
	nextEventID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:      make(map[types.ID]*Request),
		history:       make(map[types.ID][]HistoryEntry),
		activePatient: make(map[types.ID]types.ID),
		busyParamedic: make(map[types.ID]types.ID),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.activePatient[r.PatientID]; ok {
		return ErrDuplicateActiveRequest
	}
	m.requests[r.ID] = r.Clone()
	m.activePatient[r.PatientID] = r.ID
	patient := r.PatientID
	m.appendHistory(HistoryEntry{
		RequestID:  r.ID,
		FromStatus: StatusNone,
		ToStatus:   r.Status,
		ActorID:    &patient,
		ActorRole:  RolePatient,
		CreatedAt:  r.CreatedAt,
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Transition(_ context.Context, id types.ID, from Status, version int, ch Change) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != from || r.Version != version {
		return nil, ErrConflict
	}

	paramedic := r.ParamedicID
	if ch.ParamedicID != nil {
		paramedic = ch.ParamedicID
	}
	if paramedic != nil && ch.To.IsBusy() {
		if other, busy := m.busyParamedic[*paramedic]; busy && other != id {
			return nil, ErrParamedicBusy
		}
	}

	applyChange(r, ch)

	if !r.Status.IsActive() && m.activePatient[r.PatientID] == id {
		delete(m.activePatient, r.PatientID)
	}
	if r.ParamedicID != nil {
		if r.Status.IsBusy() {
			m.busyParamedic[*r.ParamedicID] = id
		} else if m.busyParamedic[*r.ParamedicID] == id {
			delete(m.busyParamedic, *r.ParamedicID)
		}
	}

	entry := HistoryEntry{
		RequestID:  id,
		FromStatus: from,
		ToStatus:   ch.To,
		ActorID:    ch.ActorID,
		ActorRole:  ch.ActorRole,
		CreatedAt:  ch.At,
	}
	if ch.Notes != nil {
		entry.Notes = *ch.Notes
	}
	m.appendHistory(entry)
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateDetails(_ context.Context, id types.ID, version int, d Details) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status.IsTerminal() || r.Version != version {
		return nil, ErrConflict
	}
	applyDetails(r, d, time.Now().UTC())
	return r.Clone(), nil
}

func (m *MemoryStore) RecordParamedicLocation(_ context.Context, id, paramedicID types.ID, loc Location) (*Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if r.Status != StatusEnroute || !r.BoundTo(paramedicID) {
		return r.Clone(), false, nil
	}
	if r.ParamedicLocation != nil && !loc.Timestamp.After(r.ParamedicLocation.Timestamp) {
		return r.Clone(), false, nil
	}
	l := loc
	r.ParamedicLocation = &l
	r.UpdatedAt = time.Now().UTC()
	return r.Clone(), true, nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Request
	for _, r := range m.requests {
		if r.Status.IsActive() {
			out = append(out, r.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) ListByActor(_ context.Context, actorID types.ID, activeOnly bool) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Request
	for _, r := range m.requests {
		if !r.Involves(actorID) {
			continue
		}
		if activeOnly && !r.Status.IsActive() {
			continue
		}
		out = append(out, r.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) ActiveByPatient(_ context.Context, patientID types.ID) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.activePatient[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.requests[id].Clone(), nil
}

func (m *MemoryStore) ActiveByParamedic(_ context.Context, paramedicID types.ID) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.busyParamedic[paramedicID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.requests[id].Clone(), nil
}

func (m *MemoryStore) History(_ context.Context, id types.ID) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.requests[id]; !ok {
		return nil, ErrNotFound
	}
	entries := m.history[id]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// appendHistory must be called with mu held.
func (m *MemoryStore) appendHistory(e HistoryEntry) {
	m.nextEventID++
	e.ID = m.nextEventID
	m.history[e.RequestID] = append(m.history[e.RequestID], e)
}

func sortNewestFirst(rs []*Request) {
	sort.Slice(rs, func(i, j int) bool {
		return rs[i].CreatedAt.After(rs[j].CreatedAt)
	})
}
