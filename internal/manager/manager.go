// Package manager owns a set of Listeners, exposes start/stop (graceful
// and immediate), and reports total live sessions.
package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aixiwang/maproxy/internal/listener"
)

// Manager owns zero or more Listeners and coordinates their lifecycle.
type Manager struct {
	logger zerolog.Logger

	mu        sync.Mutex
	listeners map[*listener.Listener]struct{}
}

// New creates an empty Manager.
func New(logger zerolog.Logger) *Manager {
	return &Manager{
		logger:    logger,
		listeners: make(map[*listener.Listener]struct{}),
	}
}

// Handle identifies a Listener added to the Manager, for later Remove.
type Handle struct {
	ln *listener.Listener
}

// Add starts the listener immediately and registers it with the Manager.
func (m *Manager) Add(ln *listener.Listener) (Handle, error) {
	if err := ln.Start(); err != nil {
		return Handle{}, err
	}

	m.mu.Lock()
	m.listeners[ln] = struct{}{}
	m.mu.Unlock()

	return Handle{ln: ln}, nil
}

// Remove stops and unregisters a Listener.
func (m *Manager) Remove(h Handle) error {
	m.mu.Lock()
	_, ok := m.listeners[h.ln]
	delete(m.listeners, h.ln)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("manager: unknown listener handle")
	}
	return h.ln.Stop()
}

// LiveSessionCount sums LiveSessionCount across every listener the
// Manager owns.
func (m *Manager) LiveSessionCount() int {
	m.mu.Lock()
	listeners := make([]*listener.Listener, 0, len(m.listeners))
	for ln := range m.listeners {
		listeners = append(listeners, ln)
	}
	m.mu.Unlock()

	total := 0
	for _, ln := range listeners {
		total += ln.LiveSessionCount()
	}
	return total
}

// Listeners returns a snapshot of the currently registered listeners,
// for the admin status surface.
func (m *Manager) Listeners() []*listener.Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*listener.Listener, 0, len(m.listeners))
	for ln := range m.listeners {
		out = append(out, ln)
	}
	return out
}

// gracefulPollInterval is the tick at which Stop(graceful) polls the
// live session count while waiting for a graceful drain.
const gracefulPollInterval = time.Second

// Stop stops every listener from accepting new connections, then:
//   - if graceful < 0: waits forever for live sessions to reach zero.
//   - if graceful == 0: force-closes every live session immediately.
//   - if graceful > 0: waits up to that many seconds.
//
// The tri-state is expressed as a signed duration since Go has no
// ergonomic bool-or-number union: negative means "wait forever", zero
// means "don't wait", positive is the deadline.
func (m *Manager) Stop(graceful time.Duration) {
	m.mu.Lock()
	listeners := make([]*listener.Listener, 0, len(m.listeners))
	for ln := range m.listeners {
		listeners = append(listeners, ln)
	}
	m.mu.Unlock()

	for _, ln := range listeners {
		if err := ln.Stop(); err != nil {
			m.logger.Warn().Err(err).Str("listener", ln.Address()).Msg("error stopping listener")
		}
	}

	if m.LiveSessionCount() == 0 {
		m.logger.Info().Msg("manager stopped")
		return
	}

	if graceful == 0 {
		for _, ln := range listeners {
			ln.ForceCloseSessions()
		}
		m.logger.Info().Msg("manager stopped")
		return
	}

	var deadline time.Time
	hasDeadline := graceful > 0
	if hasDeadline {
		deadline = time.Now().Add(graceful)
	}

	ticker := time.NewTicker(gracefulPollInterval)
	defer ticker.Stop()

	for range ticker.C {
		if m.LiveSessionCount() == 0 {
			break
		}
		if hasDeadline && !time.Now().Before(deadline) {
			m.logger.Warn().Int("live_sessions", m.LiveSessionCount()).Msg("graceful shutdown deadline reached with sessions still open")
			break
		}
	}

	m.logger.Info().Msg("manager stopped")
}
