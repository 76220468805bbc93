// Package session owns per-device Modbus connections. A Session wraps one
// transport, tracks consecutive failures and applies exponential backoff
// before reconnect attempts. The Manager keeps the process-wide alias map;
// the transport inside a session is only ever driven by the poll executor
// that owns the device.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gridline/fieldbus/internal/model"
	"github.com/gridline/fieldbus/internal/transport"
)

// ErrDeviceUnavailable means the device cannot be reached this cycle:
// either a reconnect attempt failed or the session is still backing off.
var ErrDeviceUnavailable = errors.New("session: device unavailable")

// Session is the per-device owner of a transport and its recovery state.
type Session struct {
	alias string
	tr    transport.Transport

	lastAttempt  time.Time
	failures     int
	backoffUntil time.Time

	backoffMin time.Duration
	backoffMax time.Duration

	// mu guards the removal handshake. The device can be deleted over
	// HTTP while its poll executor is mid-transaction on the transport;
	// closing the connection at that moment would race the wire I/O.
	mu      sync.Mutex
	busy    bool
	removed bool
}

// Acquire marks the session in use for one device cycle. It returns false
// when the device has been removed, in which case the cycle skips it.
func (s *Session) Acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false
	}
	s.busy = true
	return true
}

// Release ends the cycle. A removal that arrived while the executor was
// on the wire closes the connection here instead.
func (s *Session) Release() {
	s.mu.Lock()
	removed := s.removed
	s.busy = false
	s.mu.Unlock()
	if removed {
		s.tr.Close()
	}
}

// markRemoved flags the session dead. The connection closes immediately
// when idle, otherwise when the current cycle releases it.
func (s *Session) markRemoved() {
	s.mu.Lock()
	s.removed = true
	busy := s.busy
	s.mu.Unlock()
	if !busy {
		s.tr.Close()
	}
}

// Transport exposes the live transport for reads and writes. Only valid
// after a successful Ensure.
func (s *Session) Transport() transport.Transport { return s.tr }

// Ensure returns nil when the session holds an open connection, opening
// one if needed. While backing off it fails fast with ErrDeviceUnavailable.
func (s *Session) Ensure(now time.Time) error {
	if s.tr.Connected() {
		return nil
	}
	if now.Before(s.backoffUntil) {
		return fmt.Errorf("%w: %s reconnects in %s", ErrDeviceUnavailable, s.alias, s.backoffUntil.Sub(now).Round(time.Millisecond))
	}

	s.lastAttempt = now
	if err := s.tr.Open(); err != nil {
		s.Fail(now, err)
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.failures = 0
	s.backoffUntil = time.Time{}
	slog.Info("device connected", "device", s.alias)
	return nil
}

// Fail records a transport error: the socket is closed and the next
// reconnect is pushed out exponentially (1s, 2s, 4s, ... capped).
func (s *Session) Fail(now time.Time, err error) {
	s.tr.Close()
	s.failures++

	delay := s.backoffMin << (s.failures - 1)
	if delay > s.backoffMax || delay <= 0 {
		delay = s.backoffMax
	}
	s.backoffUntil = now.Add(delay)

	slog.Warn("device transport error",
		"device", s.alias,
		"failures", s.failures,
		"retry_in", delay,
		"error", err)
}

// Failures returns the consecutive failure count, for metrics.
func (s *Session) Failures() int { return s.failures }

// Factory builds a transport for a device; overridable in tests.
type Factory func(dev model.Device, timeout time.Duration) transport.Transport

// Manager maps device aliases to their sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	factory    Factory
	timeout    time.Duration
	backoffMin time.Duration
	backoffMax time.Duration
}

// NewManager creates a session manager. A nil factory uses the real
// transport layer.
func NewManager(factory Factory, timeout, backoffMin, backoffMax time.Duration) *Manager {
	if factory == nil {
		factory = transport.New
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		factory:    factory,
		timeout:    timeout,
		backoffMin: backoffMin,
		backoffMax: backoffMax,
	}
}

// Get returns the session for a device, creating it on first use.
func (m *Manager) Get(dev model.Device) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[dev.Alias]; ok {
		return s
	}
	s := &Session{
		alias:      dev.Alias,
		tr:         m.factory(dev, m.timeout),
		backoffMin: m.backoffMin,
		backoffMax: m.backoffMax,
	}
	m.sessions[dev.Alias] = s
	return s
}

// Remove drops a device's session. Called when a device is deleted or its
// endpoint changes. The connection closes immediately when idle; a session
// mid-cycle keeps it until the executor releases.
func (m *Manager) Remove(alias string) {
	m.mu.Lock()
	s, ok := m.sessions[alias]
	if ok {
		delete(m.sessions, alias)
	}
	m.mu.Unlock()

	if ok {
		s.markRemoved()
	}
}

// CloseAll releases every connection; used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for alias, s := range m.sessions {
		s.tr.Close()
		delete(m.sessions, alias)
	}
}
