// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"sync"
	"time"
)

// =============================================================================
// IDLE STAGES
// =============================================================================

// IdleStage is the position of the inactivity state machine.
type IdleStage int

const (
	// StageActive means qualifying activity was observed recently.
	StageActive IdleStage = iota

	// StageEarlyWarning fires 5 minutes before logout (25 min idle on the
	// default 30-minute window).
	StageEarlyWarning

	// StageLateWarning fires 2 minutes before logout (28 min idle).
	StageLateWarning

	// StageFinalWarning fires 1 minute before logout (29 min idle).
	StageFinalWarning

	// StageLoggedOut is terminal for the idle period: the session has been
	// forcibly terminated.
	StageLoggedOut
)

// String returns a display name for the stage.
func (s IdleStage) String() string {
	switch s {
	case StageActive:
		return "ACTIVE"
	case StageEarlyWarning:
		return "WARNING_EARLY"
	case StageLateWarning:
		return "WARNING_LATE"
	case StageFinalWarning:
		return "WARNING_FINAL"
	case StageLoggedOut:
		return "LOGGED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Warning offsets before logout. On the default 30-minute window these land
// at 25, 28, and 29 minutes of idleness.
const (
	EarlyWarningBefore = 5 * time.Minute
	LateWarningBefore  = 2 * time.Minute
	FinalWarningBefore = 1 * time.Minute
)

// =============================================================================
// IDLE MONITOR
// =============================================================================

// IdleMonitor enforces the inactivity logout policy for one session: a
// cancellable, resettable timer independent of any UI event loop. The
// contract is "N idle minutes with zero qualifying events means logout" —
// strictly tighter than the server's absolute session TTL.
//
// Each threshold fires at most once per idle period (a latch per stage
// guards against tick drift); any observed activity resets the machine
// fully back to Active.
type IdleMonitor struct {
	logoutAfter time.Duration
	tick        time.Duration

	mu           sync.Mutex
	lastActivity time.Time
	fired        map[IdleStage]bool
	loggedOut    bool

	onWarning func(stage IdleStage, remaining time.Duration)
	onLogout  func()

	done     chan struct{}
	stopOnce sync.Once
}

// NewIdleMonitor creates a monitor with the given logout window.
// onLogout is invoked exactly once per idle period; wiring it to the session
// manager's Destroy is the caller's responsibility.
func NewIdleMonitor(logoutAfter time.Duration, onWarning func(IdleStage, time.Duration), onLogout func()) *IdleMonitor {
	if logoutAfter <= 0 {
		logoutAfter = 30 * time.Minute
	}
	return &IdleMonitor{
		logoutAfter:  logoutAfter,
		tick:         time.Second,
		lastActivity: time.Now(),
		fired:        make(map[IdleStage]bool),
		onWarning:    onWarning,
		onLogout:     onLogout,
		done:         make(chan struct{}),
	}
}

// SetTick overrides the evaluation interval. Exists for tests; production
// uses the one-second default.
func (m *IdleMonitor) SetTick(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.tick = d
	}
}

// Start begins evaluating the timers until Stop.
func (m *IdleMonitor) Start() {
	m.mu.Lock()
	tick := m.tick
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.Check()
			}
		}
	}()
}

// Stop cancels the monitor without firing further callbacks.
func (m *IdleMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Touch records qualifying activity: the machine returns fully to Active and
// all four timers restart from zero. Activity after logout is ignored — the
// idle period is over and a fresh login owns a fresh monitor.
func (m *IdleMonitor) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loggedOut {
		return
	}
	m.lastActivity = time.Now()
	m.fired = make(map[IdleStage]bool)
}

// Stage returns the machine's current position.
func (m *IdleMonitor) Stage() IdleStage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stageLocked(time.Since(m.lastActivity))
}

func (m *IdleMonitor) stageLocked(idle time.Duration) IdleStage {
	switch {
	case m.loggedOut || idle >= m.logoutAfter:
		return StageLoggedOut
	case idle >= m.logoutAfter-FinalWarningBefore:
		return StageFinalWarning
	case idle >= m.logoutAfter-LateWarningBefore:
		return StageLateWarning
	case idle >= m.logoutAfter-EarlyWarningBefore:
		return StageEarlyWarning
	default:
		return StageActive
	}
}

// IdleTime returns how long since the last qualifying activity.
func (m *IdleMonitor) IdleTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastActivity)
}

// Check evaluates the thresholds once, firing any newly crossed warnings and
// the logout. Exposed so tests can drive the machine without real time.
func (m *IdleMonitor) Check() {
	m.mu.Lock()

	if m.loggedOut {
		m.mu.Unlock()
		return
	}

	idle := time.Since(m.lastActivity)
	remaining := m.logoutAfter - idle

	type firing struct {
		stage     IdleStage
		remaining time.Duration
	}
	var warnings []firing
	logout := false

	// Warnings fire in order even if several thresholds were crossed in one
	// tick; the latch keeps each to once per idle period.
	for _, stage := range []IdleStage{StageEarlyWarning, StageLateWarning, StageFinalWarning} {
		if m.stageLocked(idle) >= stage && stage <= StageFinalWarning && !m.fired[stage] && idle < m.logoutAfter {
			m.fired[stage] = true
			warnings = append(warnings, firing{stage, remaining})
		}
	}

	if idle >= m.logoutAfter {
		m.loggedOut = true
		logout = true
	}

	onWarning := m.onWarning
	onLogout := m.onLogout
	m.mu.Unlock()

	// Callbacks run outside the lock: they may call back into the monitor.
	if onWarning != nil {
		for _, w := range warnings {
			onWarning(w.stage, w.remaining)
		}
	}
	if logout && onLogout != nil {
		onLogout()
	}
}
