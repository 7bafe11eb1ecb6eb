package labsync

import (
	"context"
	"sync"
)

// SignalSource reports platform reachability.
type SignalSource interface {
	// Reachable reports the current state. It is called once when a monitor starts following.
	Reachable(ctx context.Context) bool
	// Watch calls emit on every observed change until ctx is done.
	Watch(ctx context.Context, emit func(online bool)) error
}

// Monitor is the process-wide online/offline state machine.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   []subscriber
	nextID int

	// notifyMu keeps notifications for successive transitions from interleaving.
	notifyMu sync.Mutex
}

type subscriber struct {
	id int
	fn func(online bool)
}

func NewMonitor(initial bool) *Monitor {
	return &Monitor{online: initial}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn to be called on every transition with the new state.
// Subscribers run synchronously in registration order.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// SetOnline applies a platform event. Repeated events for the current state are ignored.
func (m *Monitor) SetOnline(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := append([]subscriber(nil), m.subs...)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.fn(online)
	}
}

// Follow seeds the state from src and applies its events until ctx is done.
func (m *Monitor) Follow(ctx context.Context, src SignalSource) error {
	if src == nil {
		return ErrInvalidInput
	}
	m.SetOnline(src.Reachable(ctx))
	return src.Watch(ctx, m.SetOnline)
}
