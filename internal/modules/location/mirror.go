// README: Mirrors active requests into Firebase Realtime Database for live map clients.
package location

import (
	"context"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"

	"emsdispatch/internal/modules/events"
	"emsdispatch/internal/modules/request"
	"emsdispatch/internal/types"
)

const (
	mirrorRoot = "ems_active"
	// mirrorTombstones bounds how many finished requests stay in seen.
	mirrorTombstones = 4096
)

// ActiveLister lists the requests that are currently active.
type ActiveLister interface {
	ListActive(ctx context.Context) ([]*request.Request, error)
}

// MirrorWriter is the subset of the RTDB client the mirror needs.
type MirrorWriter interface {
	Set(ctx context.Context, path string, v interface{}) error
	Delete(ctx context.Context, path string) error
}

type rtdbWriter struct {
	client *db.Client
}

// NewRTDBWriter adapts a Firebase Realtime Database client.
func NewRTDBWriter(client *db.Client) MirrorWriter {
	return &rtdbWriter{client: client}
}

func (w *rtdbWriter) Set(ctx context.Context, path string, v interface{}) error {
	return w.client.NewRef(path).Set(ctx, v)
}

func (w *rtdbWriter) Delete(ctx context.Context, path string) error {
	return w.client.NewRef(path).Delete(ctx)
}

// mirrorEntry is what map clients read under /ems_active/{id}.
type mirrorEntry struct {
	Status       string   `json:"status"`
	Priority     string   `json:"priority"`
	Emergency    string   `json:"emergency_type"`
	PatientLat   float64  `json:"patient_lat"`
	PatientLng   float64  `json:"patient_lng"`
	ParamedicID  string   `json:"paramedic_id,omitempty"`
	ParamedicLat *float64 `json:"paramedic_lat,omitempty"`
	ParamedicLng *float64 `json:"paramedic_lng,omitempty"`
	Seq          int      `json:"seq"`
	UpdatedAt    int64    `json:"updated_at"`
}

type Mirror struct {
	writer MirrorWriter
	logger *zap.Logger
	seen   map[types.ID]int
	live   map[types.ID]struct{}
	ended  []types.ID
}

func NewMirror(writer MirrorWriter, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		writer: writer,
		logger: logger,
		seen:   make(map[types.ID]int),
		live:   make(map[types.ID]struct{}),
	}
}

// Follow mirrors the all-active topic until ctx is done or the bus closes. A subscription
// dropped for lagging is reopened and the mirror is reseeded from the active list, since
// the events it missed are gone.
func (m *Mirror) Follow(ctx context.Context, bus *events.Bus, active ActiveLister) error {
	for {
		sub, err := bus.Subscribe(events.TopicAllActive)
		if errors.Is(err, events.ErrBusClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := m.Reseed(ctx, active); err != nil {
			m.logger.Warn("reseed mirror", zap.Error(err))
		}
		m.Run(ctx, sub.C())
		cause := sub.Err()
		sub.Close()
		if ctx.Err() != nil || !errors.Is(cause, events.ErrLagging) {
			return nil
		}
		m.logger.Warn("mirror fell behind, resubscribing")
	}
}

// Reseed writes every active request and removes entries whose requests ended while
// the mirror was not listening.
func (m *Mirror) Reseed(ctx context.Context, active ActiveLister) error {
	list, err := active.ListActive(ctx)
	if err != nil {
		return err
	}
	current := make(map[types.ID]struct{}, len(list))
	var errs []error
	for _, r := range list {
		current[r.ID] = struct{}{}
		if err := m.Apply(ctx, request.NewEvent(request.EventSnapshot, r)); err != nil {
			errs = append(errs, err)
		}
	}
	for id := range m.live {
		if _, ok := current[id]; ok {
			continue
		}
		if err := m.writer.Delete(ctx, m.path(id)); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(m.live, id)
		// The missed terminal event carries at least the next Seq.
		m.seen[id]++
		m.tombstone(id)
	}
	return errors.Join(errs...)
}

// Run consumes events until ctx is done or events is closed.
func (m *Mirror) Run(ctx context.Context, feed <-chan request.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-feed:
			if !ok {
				return
			}
			if err := m.Apply(ctx, e); err != nil {
				m.logger.Warn("mirror event", zap.String("request_id", string(e.RequestID)), zap.Error(err))
			}
		}
	}
}

// Apply writes one event. Events older than the last applied state are ignored.
func (m *Mirror) Apply(ctx context.Context, e request.Event) error {
	last, seen := m.seen[e.RequestID]
	if seen && e.Seq < last {
		return nil
	}
	path := m.path(e.RequestID)
	r := e.Request
	m.seen[e.RequestID] = e.Seq
	if r.IsTerminal() {
		// Terminal ids stay in seen so a late event cannot resurrect the entry.
		if _, wasLive := m.live[e.RequestID]; wasLive || !seen {
			m.tombstone(e.RequestID)
		}
		delete(m.live, e.RequestID)
		return m.writer.Delete(ctx, path)
	}

	entry := mirrorEntry{
		Status:     string(r.Status),
		Priority:   string(r.Priority),
		Emergency:  r.EmergencyType,
		PatientLat: r.PatientLocation.Lat,
		PatientLng: r.PatientLocation.Lng,
		Seq:        e.Seq,
		UpdatedAt:  e.OccurredAt.UnixMilli(),
	}
	if r.ParamedicID != nil {
		entry.ParamedicID = string(*r.ParamedicID)
	}
	if r.ParamedicLocation != nil {
		lat, lng := r.ParamedicLocation.Point.Lat, r.ParamedicLocation.Point.Lng
		entry.ParamedicLat, entry.ParamedicLng = &lat, &lng
	}
	m.live[e.RequestID] = struct{}{}
	return m.writer.Set(ctx, path, entry)
}

func (m *Mirror) path(id types.ID) string {
	return fmt.Sprintf("%s/%s", mirrorRoot, id)
}

func (m *Mirror) tombstone(id types.ID) {
	m.ended = append(m.ended, id)
	if len(m.ended) > mirrorTombstones {
		delete(m.seen, m.ended[0])
		m.ended[0] = ""
		m.ended = m.ended[1:]
	}
}
