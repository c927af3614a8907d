// Package connectivity tracks the online/offline state of the device and
// notifies subscribers on transitions.
package connectivity

import (
	"context"
	"sync"
	"time"
)

// Monitor is a boolean connectivity source. Subscribers are called on every
// transition; the coordinator uses the offline→online edge to start a drain.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   []func(online bool)
}

// NewMonitor creates a monitor with an initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set updates the state. Subscribers run only when the state actually flips.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers a transition callback. Callbacks run on the goroutine
// that called Set and must not block for long.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Probe is a reachability check, e.g. a HEAD request against the service.
type Probe func(ctx context.Context) bool

// Run polls the probe at the given interval and feeds the result into the
// monitor until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, probe Probe) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Set(probe(ctx))
		}
	}
}
