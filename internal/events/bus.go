package events

import (
	"sync"
)

// defaultBuffer is the subscription buffer used when the caller passes a
// non-positive size.
const defaultBuffer = 256

// subscription pairs a delivery channel with the topic it wants. An
// empty topic receives every event.
type subscription struct {
	topic Topic
	ch    chan Event
}

func (s subscription) wants(topic Topic) bool {
	return s.topic == "" || s.topic == topic
}

// Bus connects the iteration loop to its consumers (TUI, history
// recorder). Publishing never blocks: a subscriber that falls behind
// loses events rather than stalling the loop.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving events published to topic.
func (b *Bus) Subscribe(topic Topic, bufSize int) <-chan Event {
	return b.register(topic, bufSize)
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	return b.register("", bufSize)
}

func (b *Bus) register(topic Topic, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBuffer
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, subscription{topic: topic, ch: ch})
	return ch
}

// Publish delivers event to every subscription matching topic. A full
// channel drops the event for that subscriber only.
func (b *Bus) Publish(topic Topic, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Close closes every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subs {
		close(sub.ch)
	}
}
