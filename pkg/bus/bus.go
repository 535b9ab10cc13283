package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRingSize is the default history ring capacity.
	DefaultRingSize = 1000
	// DefaultHighWater is the default per-subscriber queue bound.
	DefaultHighWater = 256
)

// Handler processes a delivered event. Handlers run on the subscriber's
// delivery goroutine; a slow handler only delays its own subscription.
type Handler func(*AgentEvent)

// Subscription is a registered consumer. Unsubscribe via Bus.Unsubscribe.
type Subscription struct {
	id      string
	filter  Filter
	handler Handler

	mu      sync.Mutex
	queue   []*AgentEvent
	dropped int // undelivered events discarded since the last synthetic event
	wake    chan struct{}
	closing bool
	done    chan struct{}
}

// ID returns the subscription's identifier.
func (s *Subscription) ID() string { return s.id }

// enqueue adds an event to the subscriber queue, applying the oldest-drop
// overflow policy, and wakes the delivery goroutine.
func (s *Subscription) enqueue(e *AgentEvent, highWater int) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	if len(s.queue) > highWater {
		// Drop from the front. If the front is already the synthetic
		// dropped marker, keep it and drop the event after it.
		n := len(s.queue) - highWater
		start := 0
		if s.queue[0].Type == EventDropped {
			start = 1
		}
		copy(s.queue[start:], s.queue[start+n:])
		s.queue = s.queue[:len(s.queue)-n]
		s.dropped += n
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain pops the pending batch, prefixed by a synthetic dropped event if
// any events were discarded since the last delivery.
func (s *Subscription) drain() []*AgentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped > 0 {
		marker := &AgentEvent{
			Type:      EventDropped,
			Timestamp: time.Now(),
			Data:      map[string]any{"count": s.dropped},
		}
		s.queue = append([]*AgentEvent{marker}, s.queue...)
		s.dropped = 0
	}
	batch := s.queue
	s.queue = nil
	return batch
}

// pending reports whether undelivered events remain.
func (s *Subscription) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0 || s.dropped > 0
}

// Bus is the many-producer/many-consumer event bus.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	ring   []*AgentEvent
	ringAt int
	seq    uint64
	lastTS time.Time
	closed bool

	ringSize  int
	highWater int
}

// Option configures a Bus.
type Option func(*Bus)

// WithRingSize sets the history ring capacity.
func WithRingSize(n int) Option { return func(b *Bus) { b.ringSize = n } }

// WithHighWater sets the per-subscriber queue bound.
func WithHighWater(n int) Option { return func(b *Bus) { b.highWater = n } }

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[string]*Subscription),
		ringSize:  DefaultRingSize,
		highWater: DefaultHighWater,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ring = make([]*AgentEvent, 0, b.ringSize)
	return b
}

// Subscribe registers a handler for events matching the filter.
func (b *Bus) Subscribe(filter Filter, handler Handler) *Subscription {
	sub := &Subscription{
		id:      uuid.New().String(),
		filter:  filter,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return sub
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.deliver(sub)
	return sub
}

// SubscribeAll registers a handler for every event. Used by transport
// adapters (WebSocket fan-out) and the persistence writer.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	return b.Subscribe(Filter{}, handler)
}

// Unsubscribe removes the subscription and stops its delivery goroutine.
// Undelivered events are discarded.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	sub.closing = true
	sub.queue = nil
	sub.mu.Unlock()
	close(sub.done)
}

// Emit publishes an event to all matching subscribers. Never blocks:
// overflowing subscribers lose their oldest undelivered events. Emit
// assigns the sequence number and enforces the monotonic timestamp.
func (b *Bus) Emit(e AgentEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	e.Seq = b.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Timestamp.Before(b.lastTS) {
		e.Timestamp = b.lastTS
	}
	b.lastTS = e.Timestamp

	ev := &e
	if len(b.ring) < b.ringSize {
		b.ring = append(b.ring, ev)
	} else {
		b.ring[b.ringAt] = ev
		b.ringAt = (b.ringAt + 1) % b.ringSize
	}

	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(ev) {
			subs = append(subs, sub)
		}
	}
	highWater := b.highWater
	b.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(ev, highWater)
	}
}

// History returns the last n events in emission order.
func (b *Bus) History(n int) []*AgentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.ring)
	if n <= 0 || n > size {
		n = size
	}
	out := make([]*AgentEvent, 0, n)
	// Oldest entry sits at ringAt once the ring has wrapped.
	start := 0
	if size == b.ringSize {
		start = b.ringAt
	}
	for i := size - n; i < size; i++ {
		out = append(out, b.ring[(start+i)%size])
	}
	return out
}

// deliver is the per-subscription delivery loop.
func (b *Bus) deliver(sub *Subscription) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}
		for _, ev := range sub.drain() {
			b.invoke(sub, ev)
		}
	}
}

// invoke runs the handler with panic isolation.
func (b *Bus) invoke(sub *Subscription, ev *AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event subscriber panicked; isolating",
				"subscription_id", sub.id, "event_type", ev.Type, "panic", r)
		}
	}()
	sub.handler(ev)
}

// Close stops accepting events, waits for subscriber queues to drain (or
// the context to expire), then stops all delivery goroutines.
func (b *Bus) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
drain:
	for {
		remaining := 0
		for _, sub := range subs {
			if sub.pending() {
				remaining++
			}
		}
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			slog.Warn("Event bus closed before all subscribers drained",
				"subscribers_pending", remaining)
			break drain
		case <-ticker.C:
		}
	}

	for _, sub := range subs {
		b.Unsubscribe(sub)
	}
}
