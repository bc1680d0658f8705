// Package netmon tracks whether the device can currently reach the server and
// notifies subscribers when connectivity comes back.
package netmon

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Signal is the platform connectivity source. Current reports the state at
// call time; ok is false when the platform provides no signal. Watch pushes
// every observed state to fn until ctx is done.
type Signal interface {
	Current() (reachable bool, ok bool)
	Watch(ctx context.Context, fn func(reachable bool)) error
}

// Monitor is the single source of truth for connectivity. The zero state is
// reachable, so a missing signal never blocks writes.
type Monitor struct {
	online atomic.Bool
	logger *zap.Logger

	mu       sync.Mutex
	nextID   uint64
	handlers map[uint64]func()
}

type Option func(*Monitor)

func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

func New(opts ...Option) *Monitor {
	m := &Monitor{
		logger:   zap.NewNop(),
		handlers: make(map[uint64]func()),
	}
	for _, o := range opts {
		o(m)
	}
	m.online.Store(true)
	return m
}

// IsOffline reports the current state without side effects.
func (m *Monitor) IsOffline() bool {
	return !m.online.Load()
}

// OnReconnect registers h to run once per unreachable to reachable
// transition. The returned function unsubscribes and may be called any
// number of times.
func (m *Monitor) OnReconnect(h func()) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.handlers, id)
			m.mu.Unlock()
		})
	}
}

// Set records a state observed from the platform. Handlers run synchronously
// on the caller's goroutine, outside the lock.
func (m *Monitor) Set(reachable bool) {
	prev := m.online.Swap(reachable)
	if prev == reachable {
		return
	}
	if !reachable {
		m.logger.Info("connectivity lost")
		return
	}

	m.mu.Lock()
	hs := make([]func(), 0, len(m.handlers))
	for _, h := range m.handlers {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity restored", zap.Int("subscribers", len(hs)))
	for _, h := range hs {
		h()
	}
}

// Follow seeds the state from sig and then tracks its transitions until ctx
// is done.
func (m *Monitor) Follow(ctx context.Context, sig Signal) error {
	if reachable, ok := sig.Current(); ok {
		m.Set(reachable)
	}
	return sig.Watch(ctx, m.Set)
}
