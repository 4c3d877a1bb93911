package netstate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadyStarted is returned by Start when the Monitor already holds a
// subscription.
var ErrAlreadyStarted = errors.New("netstate: monitor already started")

// Monitor owns the process connectivity State. It is created Disconnected,
// updated only from its Source, and must be closed on shutdown to release
// the subscription.
type Monitor struct {
	src    Source
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	state State
	sub   Subscription

	transitions chan Transition
	done        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// WithMonitorClock sets the clock used to stamp transitions.
func WithMonitorClock(fn func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = fn }
}

// NewMonitor creates a Monitor over src. Call Start to subscribe.
func NewMonitor(src Source, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		src:         src,
		logger:      slog.Default(),
		now:         time.Now,
		state:       Disconnected,
		transitions: make(chan Transition, 16),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start subscribes to the source and begins consuming events. It may only
// be called once.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.sub != nil {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	select {
	case <-m.done:
		m.mu.Unlock()
		return errors.New("netstate: monitor closed")
	default:
	}
	sub, err := m.src.Subscribe(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.sub = sub
	m.mu.Unlock()

	m.wg.Add(1)
	go m.consume(sub.Events())
	return nil
}

func (m *Monitor) consume(events <-chan Event) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.apply(ev)
		}
	}
}

func (m *Monitor) apply(ev Event) {
	next := StateFromEvent(ev)

	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	if prev == next {
		return
	}
	m.logger.Debug("connectivity changed", "from", prev, "to", next, "interface", ev.Interface)

	tr := Transition{From: prev, To: next, At: m.now()}
	select {
	case m.transitions <- tr:
	case <-m.done:
	}
}

// State returns the current connectivity.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transitions delivers one value per state change.
func (m *Monitor) Transitions() <-chan Transition {
	return m.transitions
}

// Close unsubscribes from the source and waits for the consumer to exit.
func (m *Monitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		sub := m.sub
		m.mu.Unlock()
		if sub != nil {
			err = sub.Close()
		}
		m.wg.Wait()
	})
	return err
}
