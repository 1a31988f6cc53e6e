package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"mirage/internal/platform/metrics"
)

// DefaultHistorySize bounds the optional event history ring.
const DefaultHistorySize = 10000

// Callback receives a published event. Callbacks run on the publisher's
// goroutine; publishing from inside a callback is legal but nests on the call
// stack, so subscribers must avoid unbounded recursive publish chains.
type Callback func(Event)

type subscription struct {
	id string
	fn Callback
}

// Bus is a synchronous publish/subscribe hub. Type-specific subscribers are
// notified in registration order, then wildcard subscribers.
type Bus struct {
	mu         sync.Mutex
	subs       map[Type][]subscription
	wildcard   []subscription
	recording  bool
	history    []Event
	maxHistory int

	logger *slog.Logger
	mtx    *metrics.Metrics
}

// Option configures a Bus.
type Option func(*Bus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.mtx = m }
}

// WithHistorySize overrides the history ring capacity.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxHistory = n
		}
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[Type][]subscription),
		maxHistory: DefaultHistorySize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers the event to every matching subscriber and returns once
// all callbacks have returned. When recording is enabled the event is
// appended to the history before delivery, evicting the oldest entry at
// capacity.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	if b.recording {
		if len(b.history) >= b.maxHistory {
			b.history = b.history[1:]
		}
		b.history = append(b.history, event)
	}
	// Snapshot the delivery lists so handlers may subscribe or unsubscribe
	// without invalidating this fan-out.
	typed := make([]subscription, len(b.subs[event.Type]))
	copy(typed, b.subs[event.Type])
	wild := make([]subscription, len(b.wildcard))
	copy(wild, b.wildcard)
	b.mu.Unlock()

	b.mtx.IncEventPublished(string(event.Type))

	for _, sub := range typed {
		sub.fn(event)
	}
	for _, sub := range wild {
		sub.fn(event)
	}
}

// Subscribe registers a callback for one event type and returns its
// subscription id.
func (b *Bus) Subscribe(t Type, fn Callback) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	b.subs[t] = append(b.subs[t], subscription{id: id, fn: fn})
	return id
}

// SubscribeAll registers a wildcard callback invoked for every event, after
// the type-specific subscribers.
func (b *Bus) SubscribeAll(fn Callback) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	b.wildcard = append(b.wildcard, subscription{id: id, fn: fn})
	return id
}

// Unsubscribe removes the subscription with the given id from whichever list
// holds it. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[t] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	for i, sub := range b.wildcard {
		if sub.id == id {
			b.wildcard = append(b.wildcard[:i], b.wildcard[i+1:]...)
			return
		}
	}
}

// ClearSubscriptions drops every registered subscriber.
func (b *Bus) ClearSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Type][]subscription)
	b.wildcard = nil
}

// SetRecording toggles event history retention.
func (b *Bus) SetRecording(enable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recording = enable
}

// History returns a copy of the retained events, oldest first.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// RecentHistory returns up to n of the most recent retained events.
func (b *Bus) RecentHistory(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n >= len(b.history) {
		out := make([]Event, len(b.history))
		copy(out, b.history)
		return out
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// ClearHistory discards retained events.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}
