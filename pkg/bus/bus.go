// Package bus is the in-process event fabric: each inscribed rune and
// each drift alert is published to every live subscriber. Delivery is
// best effort; observers that cannot keep up lose events rather than
// stalling interception.
package bus

import (
	"log/slog"
	"sync"
)

// Event types published on the bus.
const (
	EventRune  = "rune"
	EventDrift = "drift"
)

const defaultBuffer = 64

// Event is one bus message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type subscriber struct {
	ch      chan Event
	dropped uint64
}

// Bus fans events out to subscribers over per-subscriber buffered
// channels.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	next   uint64
	closed bool
	logger *slog.Logger
}

func New() *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		logger: slog.Default().With("component", "bus"),
	}
}

// Subscribe registers a new observer. The returned cancel func must be
// called to release the subscription; the channel closes afterwards.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	sub := &subscriber{ch: make(chan Event, buffer)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
}

// Publish delivers the event to every subscriber without blocking. A
// full subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			if sub.dropped == 1 || sub.dropped%100 == 0 {
				b.logger.Warn("slow subscriber, dropping events",
					"subscriber", id, "dropped", sub.dropped)
			}
		}
	}
}

// SubscriberCount reports live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates all subscriptions. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
