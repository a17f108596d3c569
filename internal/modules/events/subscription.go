// README: One subscriber's queue; state events stay ordered, location events coalesce.
package events

import (
	"sync"

	"go.uber.org/zap"

	"emsdispatch/internal/modules/request"
	"emsdispatch/internal/types"
)

const (
	resultQueued    = "queued"
	resultCoalesced = "coalesced"
	resultDuplicate = "duplicate"
	resultLagging   = "lagging"
	resultClosed    = "closed"
)

// terminalMarkers bounds how many finished requests a subscription remembers so that late
// events for them are still dropped.
const terminalMarkers = 1024

type entry struct {
	ev request.Event
}

type Subscription struct {
	id     string
	bus    *Bus
	topics map[Topic]struct{} // guarded by bus.mu
	out    chan request.Event
	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	queue  []*entry
	locs   map[types.ID]map[types.ID]*entry // pending location entry per request and actor
	seq    map[types.ID]int                 // newest state Seq queued per request; only rises
	ended  []types.ID                       // terminal requests kept in seq, oldest first
	max    int
	err    error
	closed bool
	once   sync.Once
}

func (s *Subscription) ID() string { return s.id }

// C delivers events in order. It is closed once the subscription ends; check Err for why.
func (s *Subscription) C() <-chan request.Event { return s.out }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Topics returns the current topic set.
func (s *Subscription) Topics() []Topic {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	out := make([]Topic, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

func (s *Subscription) Subscribe(topics ...Topic) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; ok {
		s.bus.addTopicsLocked(s, topics)
	}
}

func (s *Subscription) Unsubscribe(topics ...Topic) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.removeTopicsLocked(s, topics)
}

// Close ends the subscription. Pending events are discarded.
func (s *Subscription) Close() {
	s.closeWith(ErrClosed)
}

// Deliver queues an event for this subscriber only, for example a snapshot replay on
// subscribe. It follows the same ordering rules as published events.
func (s *Subscription) Deliver(e request.Event) {
	s.enqueue(e)
}

func (s *Subscription) enqueue(e request.Event) string {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return resultClosed
	}

	result := resultQueued
	last, seen := s.seq[e.RequestID]
	switch {
	case e.Type == request.EventLocationUpdated:
		// A location snapshot older than a queued state change would roll the reader back.
		if seen && e.Seq < last {
			s.mu.Unlock()
			return resultDuplicate
		}
		result = s.enqueueLocationLocked(e)
	case seen && (e.Seq < last || (e.Seq == last && e.Type != request.EventSnapshot)):
		s.mu.Unlock()
		return resultDuplicate
	default:
		s.seq[e.RequestID] = e.Seq
		if e.Request.IsTerminal() && !(seen && e.Seq == last) {
			s.markEndedLocked(e.RequestID)
		}
		// Later locations must queue behind this state change.
		delete(s.locs, e.RequestID)
		s.queue = append(s.queue, &entry{ev: e})
	}

	if len(s.queue) > s.max {
		s.mu.Unlock()
		s.closeWith(ErrLagging)
		return resultLagging
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return result
}

func (s *Subscription) markEndedLocked(id types.ID) {
	s.ended = append(s.ended, id)
	if len(s.ended) > terminalMarkers {
		delete(s.seq, s.ended[0])
		s.ended[0] = ""
		s.ended = s.ended[1:]
	}
}

func (s *Subscription) enqueueLocationLocked(e request.Event) string {
	var actor types.ID
	if e.ActorID != nil {
		actor = *e.ActorID
	}
	byActor, ok := s.locs[e.RequestID]
	if !ok {
		byActor = make(map[types.ID]*entry)
		s.locs[e.RequestID] = byActor
	}
	if pending, ok := byActor[actor]; ok {
		if e.Location != nil && pending.ev.Location != nil && e.Location.Timestamp.Before(pending.ev.Location.Timestamp) {
			return resultDuplicate
		}
		pending.ev = e
		return resultCoalesced
	}
	en := &entry{ev: e}
	byActor[actor] = en
	s.queue = append(s.queue, en)
	return resultQueued
}

// next pops the head of the queue.
func (s *Subscription) next() (request.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return request.Event{}, false
	}
	head := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]

	e := head.ev
	if e.Type == request.EventLocationUpdated {
		if byActor, ok := s.locs[e.RequestID]; ok {
			for actor, en := range byActor {
				if en == head {
					delete(byActor, actor)
				}
			}
			if len(byActor) == 0 {
				delete(s.locs, e.RequestID)
			}
		}
	}
	return e, true
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		for {
			e, ok := s.next()
			if !ok {
				break
			}
			select {
			case s.out <- e:
			case <-s.done:
				return
			}
		}
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) closeWith(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = err
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		s.bus.remove(s)
		if err == ErrLagging {
			s.bus.logger.Warn("closing lagging subscriber", zap.String("subscription_id", s.id))
		}
	})
}
