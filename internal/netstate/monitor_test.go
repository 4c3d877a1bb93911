package netstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startMonitor(t *testing.T) (*Monitor, *Manual) {
	t.Helper()
	src := NewManual()
	m := NewMonitor(src)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m, src
}

func nextTransition(t *testing.T, m *Monitor) Transition {
	t.Helper()
	select {
	case tr := <-m.Transitions():
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transition")
		return Transition{}
	}
}

func TestStateFromEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want State
	}{
		{"wifi", Event{Type: TypeWifi, Connected: true}, ConnectedWifi},
		{"mobile", Event{Type: TypeMobile, Connected: true}, ConnectedMobile},
		{"ethernet counts as wifi", Event{Type: TypeEthernet, Connected: true}, ConnectedWifi},
		{"wifi down", Event{Type: TypeWifi, Connected: false}, Disconnected},
		{"none", Event{Type: TypeNone, Connected: true}, Disconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StateFromEvent(tt.ev))
		})
	}
}

func TestMonitor_StartsDisconnected(t *testing.T) {
	m := NewMonitor(NewManual())
	assert.Equal(t, Disconnected, m.State())
	assert.NoError(t, m.Close())
}

func TestMonitor_EmitsTransitions(t *testing.T) {
	m, src := startMonitor(t)

	src.Publish(Event{Type: TypeWifi, Connected: true})
	tr := nextTransition(t, m)
	assert.Equal(t, Disconnected, tr.From)
	assert.Equal(t, ConnectedWifi, tr.To)
	assert.Equal(t, ConnectedWifi, m.State())

	src.Publish(Event{Type: TypeMobile, Connected: true})
	tr = nextTransition(t, m)
	assert.Equal(t, ConnectedWifi, tr.From)
	assert.Equal(t, ConnectedMobile, tr.To)
}

func TestMonitor_SameStateNoTransition(t *testing.T) {
	m, src := startMonitor(t)

	src.Publish(Event{Type: TypeWifi, Connected: true})
	nextTransition(t, m)

	src.Publish(Event{Type: TypeEthernet, Connected: true, Interface: "eth0"})
	src.Publish(Event{Type: TypeNone})
	tr := nextTransition(t, m)
	assert.Equal(t, ConnectedWifi, tr.From)
	assert.Equal(t, Disconnected, tr.To)

	select {
	case extra := <-m.Transitions():
		t.Fatalf("unexpected transition %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitor_StartTwice(t *testing.T) {
	m, _ := startMonitor(t)
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
}

func TestMonitor_CloseUnsubscribes(t *testing.T) {
	src := NewManual()
	m := NewMonitor(src)
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, 1, src.Subscribers())

	require.NoError(t, m.Close())
	assert.Equal(t, 0, src.Subscribers())
	// idempotent
	require.NoError(t, m.Close())

	// publishing after teardown must not block or panic
	src.Publish(Event{Type: TypeWifi, Connected: true})
	assert.Equal(t, Disconnected, m.State())
}

func TestManual_ContextCancelClosesSubscription(t *testing.T) {
	src := NewManual()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := src.Subscribe(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	assert.Equal(t, 0, src.Subscribers())
}
