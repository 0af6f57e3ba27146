// SPDX-License-Identifier: MIT

package bus

import (
	"sync"
	"time"

	"github.com/mediacurator/curator/internal/metrics"
)

// defaultBuffer bounds how far a subscriber may lag before old events are
// discarded for it.
const defaultBuffer = 256

// MemoryBus is the in-process Bus implementation. Each subscriber owns a
// bounded channel; when it is full the oldest buffered event is dropped so
// the publisher never blocks.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[Topic][]*Subscription
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[Topic][]*Subscription)}
}

// Subscription is a single subscriber's view of one topic.
type Subscription struct {
	bus   *MemoryBus
	topic Topic
	ch    chan Event

	// mu serializes deliveries so drop-oldest keeps per-topic order.
	mu     sync.Mutex
	closed bool
}

// C returns the receive channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	lst := s.bus.subs[s.topic]
	out := lst[:0]
	for _, sub := range lst {
		if sub != s {
			out = append(out, sub)
		}
	}
	if len(out) == 0 {
		delete(s.bus.subs, s.topic)
	} else {
		s.bus.subs[s.topic] = out
	}
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		// Full: drop the oldest buffered event, then retry.
		select {
		case <-s.ch:
			metrics.BusDroppedTotal.WithLabelValues(string(s.topic)).Inc()
		default:
		}
	}
}

// Publish delivers the payload to every current subscriber of the topic.
func (b *MemoryBus) Publish(topic Topic, payload any) {
	ev := Event{Topic: topic, Time: time.Now(), Payload: payload}

	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliver(ev)
	}
}

// Subscribe registers a new subscriber for the topic.
func (b *MemoryBus) Subscribe(topic Topic) *Subscription {
	s := &Subscription{bus: b, topic: topic, ch: make(chan Event, defaultBuffer)}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()
	return s
}

var _ Bus = (*MemoryBus)(nil)
