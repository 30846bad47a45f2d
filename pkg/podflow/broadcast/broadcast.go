// Package broadcast delivers execution lifecycle events to live
// subscribers of a flow. Delivery is fire-and-forget, at-most-once:
// publishers never block and never retry, and a slow subscriber drops
// events rather than stalling an execution.
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event names the engine publishes.
const (
	EventExecutionStart     = "execution.start"
	EventExecutionToken     = "execution.token"
	EventExecutionCompleted = "execution.completed"
	EventExecutionError     = "execution.error"
)

// Event is one flow-scoped notification.
type Event struct {
	FlowID  string
	Name    string
	Payload any
	At      time.Time
}

// Broadcaster is the engine-facing contract.
type Broadcaster interface {
	// BroadcastToFlow publishes an event to the flow's current
	// subscribers. It never blocks and never reports failure.
	BroadcastToFlow(flowID, event string, payload any)
}

// Noop discards every event.
type Noop struct{}

// BroadcastToFlow implements Broadcaster.
func (Noop) BroadcastToFlow(string, string, any) {}

// BusOption configures a LocalBus.
type BusOption func(*LocalBus)

// WithBufferSize sets the per-subscription channel buffer.
func WithBufferSize(n int) BusOption {
	return func(b *LocalBus) { b.bufferSize = n }
}

// WithOnDrop installs a callback invoked when a full subscriber buffer
// forces an event to be dropped.
func WithOnDrop(fn func(Event)) BusOption {
	return func(b *LocalBus) { b.onDrop = fn }
}

// LocalBus is the in-process Broadcaster: per-flow subscriber sets with
// buffered channels and non-blocking sends.
type LocalBus struct {
	bufferSize int
	onDrop     func(Event)

	mu     sync.RWMutex
	byFlow map[string]map[int64]*Subscription

	nextID atomic.Int64
	closed atomic.Bool
}

// NewLocalBus creates a bus. The default subscription buffer is 256.
func NewLocalBus(opts ...BusOption) *LocalBus {
	b := &LocalBus{
		bufferSize: 256,
		byFlow:     make(map[string]map[int64]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Compile-time interface check.
var _ Broadcaster = (*LocalBus)(nil)

// Subscription is one live listener on a flow.
type Subscription struct {
	id     int64
	flowID string
	events chan Event
	bus    *LocalBus
	once   sync.Once
}

// Events returns the subscription's delivery channel. It is closed on
// Unsubscribe and on bus Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.events)
	})
}

// Subscribe registers a listener for one flow's events.
func (b *LocalBus) Subscribe(flowID string) *Subscription {
	sub := &Subscription{
		id:     b.nextID.Add(1),
		flowID: flowID,
		events: make(chan Event, b.bufferSize),
		bus:    b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.byFlow[flowID] == nil {
		b.byFlow[flowID] = make(map[int64]*Subscription)
	}
	b.byFlow[flowID][sub.id] = sub
	return sub
}

func (b *LocalBus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.byFlow[s.flowID]
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(b.byFlow, s.flowID)
	}
}

// BroadcastToFlow implements Broadcaster. Events for flows with no
// subscribers vanish; a full subscriber buffer drops the event for that
// subscriber only.
func (b *LocalBus) BroadcastToFlow(flowID, event string, payload any) {
	if b.closed.Load() {
		return
	}

	evt := Event{FlowID: flowID, Name: event, Payload: payload, At: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.byFlow[flowID] {
		select {
		case sub.events <- evt:
		default:
			if b.onDrop != nil {
				b.onDrop(evt)
			}
		}
	}
}

// Close shuts the bus down and closes every subscription channel.
func (b *LocalBus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.byFlow {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.events) })
		}
	}
	b.byFlow = make(map[string]map[int64]*Subscription)
}
