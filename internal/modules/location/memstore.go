// README: In-memory sample gate and position index for single-instance runs and tests.
package location

import (
	"context"
	"sync"
	"time"

	"emsdispatch/internal/types"
)

type gateKey struct {
	request types.ID
	actor   types.ID
}

type MemoryGate struct {
	mu   sync.Mutex
	last map[gateKey]time.Time
}

func NewMemoryGate() *MemoryGate {
	return &MemoryGate{last: make(map[gateKey]time.Time)}
}

func (g *MemoryGate) Admit(_ context.Context, requestID, actorID types.ID, ts time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := gateKey{requestID, actorID}
	if cur, ok := g.last[k]; ok && !ts.After(cur) {
		return false, nil
	}
	g.last[k] = ts
	return true, nil
}

type MemoryPositions struct {
	mu        sync.RWMutex
	positions map[types.ID]Position
}

func NewMemoryPositions() *MemoryPositions {
	return &MemoryPositions{positions: make(map[types.ID]Position)}
}

func (m *MemoryPositions) Put(_ context.Context, paramedicID types.ID, p types.Point, seenAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.positions[paramedicID]; ok && !seenAt.After(cur.SeenAt) {
		return false, nil
	}
	m.positions[paramedicID] = Position{ParamedicID: paramedicID, Point: p, SeenAt: seenAt}
	return true, nil
}

func (m *MemoryPositions) Get(_ context.Context, paramedicID types.ID) (Position, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[paramedicID]
	return p, ok, nil
}

func (m *MemoryPositions) Nearby(_ context.Context, center types.Point, radiusKm float64, limit int) ([]Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Position
	for _, p := range m.positions {
		d := types.HaversineKm(center, p.Point)
		if d > radiusKm {
			continue
		}
		p.DistanceKm = d
		out = append(out, p)
	}
	types.SortByDistance(out, func(p Position) float64 { return p.DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
