package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/uhyunpark/hypersettle/pkg/app/core/settlement"
)

// Subscription is a buffered stream of settlement events. A subscriber that
// falls behind loses events rather than stalling the engine.
type Subscription struct {
	id      int
	ch      chan settlement.Event
	types   map[settlement.EventType]struct{}
	dropped atomic.Uint64
	closed  bool
}

// C returns the event stream. It is closed on Unsubscribe or bus Close.
func (s *Subscription) C() <-chan settlement.Event { return s.ch }

func (s *Subscription) ID() int { return s.id }

// Dropped counts events lost because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) wants(t settlement.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans settlement events out to subscribers. It implements
// settlement.Broker.
//
// Required subscribers (Push) run synchronously in Send and never miss an
// event. Channel subscribers (Subscribe) are fed without blocking.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]*Subscription
	required []func(settlement.Event)
	nextID   int
	closed   bool
	logger   *zap.SugaredLogger
}

func NewBus(logger *zap.SugaredLogger) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{subs: make(map[int]*Subscription), logger: logger}
}

// Push registers a synchronous subscriber. fn must not call back into the bus.
func (b *Bus) Push(fn func(settlement.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.required = append(b.required, fn)
}

// Subscribe opens a stream of the given event types (all types if none).
func (b *Bus) Subscribe(buffer int, types ...settlement.EventType) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		id:    b.nextID,
		ch:    make(chan settlement.Event, buffer),
		types: make(map[settlement.EventType]struct{}, len(types)),
	}
	for _, t := range types {
		s.types[t] = struct{}{}
	}
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	s.closed = true
	close(s.ch)
}

// Send delivers ev to every interested subscriber.
func (b *Bus) Send(ev settlement.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, fn := range b.required {
		fn(ev)
	}
	for _, s := range b.subs {
		if !s.wants(ev.Type) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
				b.logger.Warnw("event_subscriber_lagging",
					"subscriber", s.id, "dropped", n, "type", ev.Type, "instruction", ev.Instruction)
			}
		}
	}
}

// SubscriberCount reports the number of open channel subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later sends are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.closed = true
		close(s.ch)
		delete(b.subs, id)
	}
}
