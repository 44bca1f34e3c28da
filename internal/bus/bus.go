// Package bus is an in-process publish/subscribe hub keyed by topic prefix.
//
// Stores use it to announce changes ("messages/<chat>/", "presence/<user>/") and
// the session layer uses it for its own events ("message.send_failed").
package bus

import (
	"strings"
	"sync"
	"time"
)

// Event is a single notification.
type Event struct {
	Topic   string
	At      time.Time
	Payload any
}

// Bus fans events out to subscribers whose prefix matches the event topic.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscription
	next uint64
}

type subscription struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

// Topic joins parts into a topic name.
func Topic(parts ...string) string {
	return strings.Join(parts, "/")
}

// Publish delivers evt to every matching subscriber without blocking. A
// subscriber whose buffer is full misses the event.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Notify publishes a payload-less event on topic.
func (b *Bus) Notify(topic string) {
	b.Publish(Event{Topic: topic})
}

// Subscribe returns a channel of events whose topic starts with prefix, and a
// cancel function. Cancel closes the channel and may be called more than once.
//
// A buffer of 1 coalesces bursts: the subscriber sees at least one event after
// any run of publishes, which is enough when each event triggers a full reload.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	if bufSize < 1 {
		bufSize = 1
	}
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{prefix: prefix, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
