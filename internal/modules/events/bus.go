// README: In-process event bus with per-subscriber ordered queues and location coalescing.
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"emsdispatch/internal/metrics"
	"emsdispatch/internal/modules/request"
	"emsdispatch/internal/types"
)

var (
	ErrBusClosed = errors.New("event bus closed")
	// ErrLagging closes a subscriber that fell too far behind; it should reconnect and
	// reconcile from fresh snapshots.
	ErrLagging = errors.New("subscriber lagging")
	ErrClosed  = errors.New("subscription closed")
)

type Options struct {
	// Buffer is the channel size between the queue and the consumer.
	Buffer int
	// MaxPending is how many undelivered events a subscriber may hold before it is dropped.
	MaxPending int
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	byTopic map[Topic]map[string]*Subscription
	closed  bool
	opts    Options
	logger  *zap.Logger
}

func NewBus(opts Options, logger *zap.Logger) *Bus {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:    make(map[string]*Subscription),
		byTopic: make(map[Topic]map[string]*Subscription),
		opts:    opts,
		logger:  logger,
	}
}

// Publish fans e out to every subscription on any of its topics. It never blocks on
// a slow consumer.
func (b *Bus) Publish(_ context.Context, e request.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	targets := make(map[string]*Subscription)
	for _, topic := range TopicsFor(e) {
		for id, s := range b.byTopic[topic] {
			targets[id] = s
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		metrics.BusDeliveries.WithLabelValues(string(e.Type), s.enqueue(e)).Inc()
	}
	return nil
}

// Subscribe opens a subscription on the given topics. More topics can be added later.
func (b *Bus) Subscribe(topics ...Topic) (*Subscription, error) {
	s := &Subscription{
		id:     uuid.NewString(),
		bus:    b,
		topics: make(map[Topic]struct{}),
		out:    make(chan request.Event, b.opts.Buffer),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		locs:   make(map[types.ID]map[types.ID]*entry),
		seq:    make(map[types.ID]int),
		max:    b.opts.MaxPending,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.subs[s.id] = s
	b.addTopicsLocked(s, topics)
	b.mu.Unlock()

	metrics.BusSubscribers.Inc()
	go s.pump()
	return s, nil
}

// Close closes every subscription and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.closeWith(ErrClosed)
	}
}

// SubscriberCount reports the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) addTopicsLocked(s *Subscription, topics []Topic) {
	for _, t := range topics {
		s.topics[t] = struct{}{}
		set, ok := b.byTopic[t]
		if !ok {
			set = make(map[string]*Subscription)
			b.byTopic[t] = set
		}
		set[s.id] = s
	}
}

func (b *Bus) removeTopicsLocked(s *Subscription, topics []Topic) {
	for _, t := range topics {
		delete(s.topics, t)
		if set, ok := b.byTopic[t]; ok {
			delete(set, s.id)
			if len(set) == 0 {
				delete(b.byTopic, t)
			}
		}
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	topics := make([]Topic, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	b.removeTopicsLocked(s, topics)
	delete(b.subs, s.id)
	metrics.BusSubscribers.Dec()
}
