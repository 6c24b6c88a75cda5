package messaging

import (
	"sync"
)

// MemoryBus is the in-process Bus used when no messaging URL is configured,
// and the test double for everything that publishes. Delivery is synchronous
// and in publish order per subject.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySubscription)}
}

// Publish delivers data synchronously to every subscriber of subject.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySubscription, len(b.subs[subject]))
	copy(targets, b.subs[subject])
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.isActive() {
			sub.handler(subject, data)
		}
	}
	return nil
}

// Subscribe registers handler for exact-match subject.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{bus: b, subject: subject, handler: handler, active: true}
	b.subs[subject] = append(b.subs[subject], sub)
	return sub, nil
}

// Flush is a no-op: in-process delivery happens inside Publish.
func (b *MemoryBus) Flush() error { return nil }

// Close drops all subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*memorySubscription)
}

// IsConnected reports whether the bus accepts traffic.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	handler Handler

	mu     sync.Mutex
	active bool
}

func (s *memorySubscription) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}
