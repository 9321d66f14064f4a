package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler consumes one event. Errors and panics are logged and counted but
// never stop delivery to other subscribers.
type Handler func(Event) error

type subscription struct {
	id     uint64
	kinds  map[EventType]struct{}
	filter func(Event) bool
	handle Handler
	live   atomic.Bool
}

func (s *subscription) accepts(ev Event) bool {
	if !s.live.Load() {
		return false
	}
	if len(s.kinds) > 0 {
		if _, ok := s.kinds[ev.Kind()]; !ok {
			return false
		}
	}
	return s.filter == nil || s.filter(ev)
}

// SubscribeOption narrows what a subscription receives
type SubscribeOption func(*subscription)

// OfKind limits delivery to the listed event types
func OfKind(kinds ...EventType) SubscribeOption {
	return func(s *subscription) {
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
}

// ForBatch limits delivery to one batch's events
func ForBatch(batchID string) SubscribeOption {
	return Where(func(ev Event) bool { return BatchOf(ev) == batchID })
}

// Where adds a predicate; several predicates must all hold
func Where(pred func(Event) bool) SubscribeOption {
	return func(s *subscription) {
		prev := s.filter
		if prev == nil {
			s.filter = pred
			return
		}
		s.filter = func(ev Event) bool { return prev(ev) && pred(ev) }
	}
}

// Subscription is the handle returned by Subscribe
type Subscription struct {
	bus *EventBus
	sub *subscription
}

// Cancel stops delivery; it is safe to call more than once
func (s *Subscription) Cancel() {
	if s == nil || !s.sub.live.Swap(false) {
		return
	}
	s.bus.remove(s.sub.id)
}

// Active reports whether the subscription still receives events
func (s *Subscription) Active() bool {
	return s != nil && s.sub.live.Load()
}

// EventBusStats is a snapshot of bus counters
type EventBusStats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Failures    int64 `json:"failures"`
	Subscribers int   `json:"subscribers"`
}

// EventBusConfig sizes the publish queue
type EventBusConfig struct {
	BufferSize int `json:"bufferSize" mapstructure:"buffer_size"`
}

func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{BufferSize: 4096}
}

// EventBus delivers events to subscribers on one dispatcher goroutine, so
// every subscriber observes publish order.
type EventBus struct {
	logger *zap.Logger
	queue  chan Event
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	failures  atomic.Int64
}

// NewEventBus starts a bus; Stop releases it
func NewEventBus(logger *zap.Logger, cfg EventBusConfig) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultEventBusConfig().BufferSize
	}
	eb := &EventBus{
		logger: logger.Named("events"),
		queue:  make(chan Event, cfg.BufferSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go eb.dispatch()
	return eb
}

// Subscribe registers h; with no options it receives every event
func (eb *EventBus) Subscribe(h Handler, opts ...SubscribeOption) *Subscription {
	s := &subscription{kinds: make(map[EventType]struct{}), handle: h}
	for _, opt := range opts {
		opt(s)
	}
	s.live.Store(true)

	eb.mu.Lock()
	eb.nextID++
	s.id = eb.nextID
	eb.subs = append(eb.subs, s)
	eb.mu.Unlock()

	return &Subscription{bus: eb, sub: s}
}

func (eb *EventBus) remove(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	kept := eb.subs[:0]
	for _, s := range eb.subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	// clear the tail so removed subscriptions can be collected
	for i := len(kept); i < len(eb.subs); i++ {
		eb.subs[i] = nil
	}
	eb.subs = kept
}

// Publish enqueues ev without blocking. A full queue or a stopped bus drops
// the event and counts it.
func (eb *EventBus) Publish(ev Event) {
	select {
	case <-eb.quit:
		eb.dropped.Add(1)
		return
	default:
	}
	select {
	case eb.queue <- ev:
		eb.published.Add(1)
	default:
		eb.dropped.Add(1)
		eb.logger.Warn("Event queue full, dropping", zap.String("type", string(ev.Kind())))
	}
}

// PublishSync delivers ev on the caller's goroutine, bypassing the queue
func (eb *EventBus) PublishSync(ev Event) {
	eb.published.Add(1)
	eb.deliver(ev)
}

func (eb *EventBus) dispatch() {
	defer close(eb.done)
	for {
		select {
		case ev := <-eb.queue:
			eb.deliver(ev)
		case <-eb.quit:
			// drain what was accepted before Stop
			for {
				select {
				case ev := <-eb.queue:
					eb.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (eb *EventBus) deliver(ev Event) {
	eb.mu.RLock()
	subs := make([]*subscription, len(eb.subs))
	copy(subs, eb.subs)
	eb.mu.RUnlock()

	for _, s := range subs {
		if s.accepts(ev) {
			eb.invoke(s, ev)
		}
	}
	eb.delivered.Add(1)
}

func (eb *EventBus) invoke(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.failures.Add(1)
			eb.logger.Error("Event handler panicked",
				zap.Uint64("subscription", s.id),
				zap.String("type", string(ev.Kind())),
				zap.Any("panic", r))
		}
	}()
	if err := s.handle(ev); err != nil {
		eb.failures.Add(1)
		eb.logger.Warn("Event handler failed",
			zap.Uint64("subscription", s.id),
			zap.String("type", string(ev.Kind())),
			zap.Error(err))
	}
}

// Stats returns the current counters
func (eb *EventBus) Stats() EventBusStats {
	eb.mu.RLock()
	n := len(eb.subs)
	eb.mu.RUnlock()
	return EventBusStats{
		Published:   eb.published.Load(),
		Delivered:   eb.delivered.Load(),
		Dropped:     eb.dropped.Load(),
		Failures:    eb.failures.Load(),
		Subscribers: n,
	}
}

// Stop refuses new events, delivers the ones already queued and waits for
// the dispatcher to exit
func (eb *EventBus) Stop() {
	eb.once.Do(func() { close(eb.quit) })
	<-eb.done
	eb.logger.Debug("Event bus stopped",
		zap.Int64("delivered", eb.delivered.Load()),
		zap.Int64("dropped", eb.dropped.Load()))
}
