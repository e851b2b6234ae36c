// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTTL is the absolute server-side session lifetime, independent
	// of activity. The client-side idle monitor normally logs out long
	// before this is reached.
	DefaultTTL = 24 * time.Hour

	// DefaultReapInterval is how often expired sessions are swept.
	DefaultReapInterval = 5 * time.Minute

	// sessionIDBytes is the entropy of a session identifier (32 bytes).
	sessionIDBytes = 32
)

// =============================================================================
// SESSION
// =============================================================================

// Session binds a principal's identity, role, and display attributes to an
// opaque identifier. It has no persistence beyond the manager's own TTL.
type Session struct {
	// ID is the opaque identifier handed to the client.
	ID string

	// Namespace is the owning manager's namespace ("customer", "employee").
	Namespace string

	// PrincipalID is the authenticated principal's primary key.
	PrincipalID string

	// Username and Role are display/authorization attributes captured at
	// login; they are never re-read from the store during the session.
	Username string
	Role     string

	// FullName is the display name shown by the portal.
	FullName string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the absolute TTL has passed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager is a server-side session store for one principal namespace.
type Manager struct {
	namespace string
	ttl       time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	// onDestroy is invoked for every destroyed session (logout, expiry,
	// reaping) so session-scoped secrets such as CSRF tokens die with it.
	onDestroy func(sessionID string)

	// Idle enforcement, off until EnableIdleLogout. One monitor per live
	// session; its logout path calls Destroy.
	idleWindow time.Duration
	idleWarn   func(sessionID string, stage IdleStage, remaining time.Duration)
	monitors   map[string]*IdleMonitor

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager for one namespace.
func NewManager(namespace string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		namespace: namespace,
		ttl:       ttl,
		sessions:  make(map[string]*Session),
		monitors:  make(map[string]*IdleMonitor),
		done:      make(chan struct{}),
	}
}

// EnableIdleLogout arms per-session inactivity enforcement: every session
// created afterwards gets its own monitor, resolving a session counts as
// activity, and an idle session is destroyed through the same path as an
// explicit logout. onWarning may be nil. Call before serving traffic.
func (m *Manager) EnableIdleLogout(window time.Duration, onWarning func(sessionID string, stage IdleStage, remaining time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleWindow = window
	m.idleWarn = onWarning
}

// Namespace returns the manager's namespace.
func (m *Manager) Namespace() string {
	return m.namespace
}

// SetDestroyCallback registers the hook invoked on every session destruction.
func (m *Manager) SetDestroyCallback(fn func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDestroy = fn
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Create issues a new session for an authenticated principal. Identifier
// generation failure is fatal for the login; a guessable session is not a
// session.
func (m *Manager) Create(principalID, username, role, fullName string) (*Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ID:          id,
		Namespace:   m.namespace,
		PrincipalID: principalID,
		Username:    username,
		Role:        role,
		FullName:    fullName,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[id] = s
	window, warn := m.idleWindow, m.idleWarn
	var monitor *IdleMonitor
	if window > 0 {
		monitor = NewIdleMonitor(window,
			func(stage IdleStage, remaining time.Duration) {
				if warn != nil {
					warn(id, stage, remaining)
				}
			},
			func() { m.Destroy(id) },
		)
		m.monitors[id] = monitor
	}
	m.mu.Unlock()

	if monitor != nil {
		monitor.Start()
	}
	return s, nil
}

// Resolve looks up a session by identifier. Absent, malformed, or expired
// identifiers return (nil, false) — an expected steady state for anonymous
// requests, never an error.
func (m *Manager) Resolve(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	monitor := m.monitors[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if s.Expired(time.Now()) {
		m.Destroy(id)
		return nil, false
	}

	// A resolved request is qualifying activity for the idle window.
	if monitor != nil {
		monitor.Touch()
	}
	return s, true
}

// Destroy removes a session. Idempotent: destroying an absent session is a
// no-op, so logging out twice never errors.
func (m *Manager) Destroy(id string) {
	m.mu.Lock()
	_, existed := m.sessions[id]
	delete(m.sessions, id)
	monitor := m.monitors[id]
	delete(m.monitors, id)
	onDestroy := m.onDestroy
	m.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if existed && onDestroy != nil {
		onDestroy(id)
	}
}

// Count returns the number of live sessions (expired-but-unswept included).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// =============================================================================
// REAPER
// =============================================================================

// StartReaper sweeps expired sessions in the background until Close.
func (m *Manager) StartReaper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.reap()
			}
		}
	}()
}

func (m *Manager) reap() {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	var monitors []*IdleMonitor
	for id, s := range m.sessions {
		if s.Expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.sessions, id)
		if monitor := m.monitors[id]; monitor != nil {
			monitors = append(monitors, monitor)
			delete(m.monitors, id)
		}
	}
	onDestroy := m.onDestroy
	m.mu.Unlock()

	for _, monitor := range monitors {
		monitor.Stop()
	}
	if onDestroy != nil {
		for _, id := range expired {
			onDestroy(id)
		}
	}
}

// Close stops the reaper and all idle monitors. Live sessions are dropped
// with the process.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	monitors := make([]*IdleMonitor, 0, len(m.monitors))
	for _, monitor := range m.monitors {
		monitors = append(monitors, monitor)
	}
	m.monitors = make(map[string]*IdleMonitor)
	m.mu.Unlock()

	for _, monitor := range monitors {
		monitor.Stop()
	}
}

// generateSessionID returns a cryptographically random hex identifier.
func generateSessionID() (string, error) {
	raw := make([]byte, sessionIDBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
