// Package network owns the process-wide connectivity state. A Monitor seeds
// its state from a Platform at startup and re-emits only genuine transitions.
package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/wardrobekit/backend/internal/logging"
	"github.com/wardrobekit/backend/internal/observe"
)

// Platform is the connectivity API of the host environment.
type Platform interface {
	// CurrentStatus reports whether the device is online right now.
	CurrentStatus(ctx context.Context) (bool, error)
	// Subscribe delivers connectivity notifications to fn until the returned
	// cancel function is called. Notifications may repeat the same state.
	Subscribe(ctx context.Context, fn func(online bool)) (cancel func(), err error)
}

// Monitor is the single source of truth for connectivity.
type Monitor struct {
	status *observe.Value[bool]

	// seedMu orders the initial query against early notifications
	seedMu   sync.Mutex
	seeded   bool
	notified bool

	closeOnce sync.Once
	cancel    func()
}

// NewMonitor subscribes to p and seeds the state from p.CurrentStatus. If the
// initial query fails the monitor starts offline and waits for the platform
// to report a change.
func NewMonitor(ctx context.Context, p Platform) (*Monitor, error) {
	m := &Monitor{status: observe.NewValue(false)}

	// subscribe first so a transition racing the initial query is not lost
	cancel, err := p.Subscribe(ctx, m.notify)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to connectivity changes: %w", err)
	}
	m.cancel = cancel

	online, err := p.CurrentStatus(ctx)
	if err != nil {
		logging.Warn("connectivity query failed, assuming offline", map[string]interface{}{"error": err.Error()})
		online = false
	}
	m.seedMu.Lock()
	if !m.notified {
		m.set(online)
	}
	m.seeded = true
	m.seedMu.Unlock()

	logging.Info("network monitor started", map[string]interface{}{"online": m.Status()})
	return m, nil
}

// notify handles a platform notification. One that arrives while the initial
// query is running wins over the query's answer.
func (m *Monitor) notify(online bool) {
	m.seedMu.Lock()
	if !m.seeded {
		m.notified = true
	}
	m.seedMu.Unlock()
	m.set(online)
}

func (m *Monitor) set(online bool) {
	if m.status.Set(online) {
		logging.Info("connectivity changed", map[string]interface{}{"online": online})
	}
}

// Status returns the current connectivity. It never blocks on the network.
func (m *Monitor) Status() bool {
	return m.status.Get()
}

// OnChange registers fn for connectivity transitions. fn is called exactly
// once per transition, never for a repeated state. Close the returned
// subscription on teardown.
func (m *Monitor) OnChange(fn func(online bool)) *observe.Subscription {
	return m.status.Subscribe(fn)
}

// Close detaches the monitor from its platform.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
	})
}
