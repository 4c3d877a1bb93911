package netstate

import (
	"context"
	"sync"
)

// Source is a platform connectivity notification source.
type Source interface {
	// Subscribe starts delivering events until the subscription is closed
	// or ctx is cancelled.
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is a live registration with a Source. Close must be called
// to release it; it is safe to call more than once.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Manual is an in-process Source. Every Publish is delivered to all
// current subscribers in order.
type Manual struct {
	mu   sync.Mutex
	subs map[*manualSub]struct{}
}

// NewManual creates a Manual source with no subscribers.
func NewManual() *Manual {
	return &Manual{subs: make(map[*manualSub]struct{})}
}

// Subscribe registers a subscriber.
func (m *Manual) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &manualSub{
		owner:  m,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Publish delivers e to every subscriber, blocking while a subscriber's
// buffer is full.
func (m *Manual) Publish(e Event) {
	m.mu.Lock()
	subs := make([]*manualSub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.send(e)
	}
}

// Subscribers returns the number of live subscriptions.
func (m *Manual) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

type manualSub struct {
	owner  *Manual
	events chan Event
	done   chan struct{}

	sendMu sync.Mutex
	once   sync.Once
}

func (s *manualSub) Events() <-chan Event { return s.events }

func (s *manualSub) send(e Event) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- e:
	case <-s.done:
	}
}

func (s *manualSub) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()

		close(s.done)
		s.sendMu.Lock()
		close(s.events)
		s.sendMu.Unlock()
	})
	return nil
}
