// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"testing"
	"time"
)

func TestCreateAndResolve(t *testing.T) {
	m := NewManager("customer", time.Hour)
	defer m.Close()

	s, err := m.Create("cust-1", "janed", "customer", "Jane Customer")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(s.ID) != sessionIDBytes*2 {
		t.Errorf("session id length = %d, want %d hex chars", len(s.ID), sessionIDBytes*2)
	}
	if s.Namespace != "customer" {
		t.Errorf("Namespace = %q", s.Namespace)
	}

	got, ok := m.Resolve(s.ID)
	if !ok {
		t.Fatal("Resolve failed for live session")
	}
	if got.PrincipalID != "cust-1" || got.Username != "janed" {
		t.Errorf("resolved session mismatch: %+v", got)
	}
}

func TestResolveNeverErrors(t *testing.T) {
	m := NewManager("customer", time.Hour)
	defer m.Close()

	if _, ok := m.Resolve(""); ok {
		t.Error("empty id resolved")
	}
	if _, ok := m.Resolve("not-a-session"); ok {
		t.Error("unknown id resolved")
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	m := NewManager("customer", time.Hour)
	defer m.Close()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := m.Create("p", "u", "r", "n")
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if seen[s.ID] {
			t.Fatal("duplicate session id issued")
		}
		seen[s.ID] = true
	}
}

func TestExpiredSessionIsRejectedAndDestroyed(t *testing.T) {
	m := NewManager("customer", time.Millisecond)
	defer m.Close()

	s, err := m.Create("cust-1", "janed", "customer", "Jane")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if _, ok := m.Resolve(s.ID); ok {
		t.Error("expired session resolved")
	}
	if m.Count() != 0 {
		t.Errorf("expired session still stored, count = %d", m.Count())
	}
}

func TestDestroyIsIdempotentAndFiresCallback(t *testing.T) {
	m := NewManager("customer", time.Hour)
	defer m.Close()

	var destroyed []string
	m.SetDestroyCallback(func(id string) { destroyed = append(destroyed, id) })

	s, err := m.Create("cust-1", "janed", "customer", "Jane")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	m.Destroy(s.ID)
	m.Destroy(s.ID) // second destroy is a no-op

	if len(destroyed) != 1 || destroyed[0] != s.ID {
		t.Errorf("destroy callback fired %d times: %v", len(destroyed), destroyed)
	}
	if _, ok := m.Resolve(s.ID); ok {
		t.Error("destroyed session resolved")
	}
}

func TestReaperSweepsExpired(t *testing.T) {
	m := NewManager("customer", 10*time.Millisecond)
	defer m.Close()

	var destroyed int
	m.SetDestroyCallback(func(string) { destroyed++ })

	for i := 0; i < 3; i++ {
		if _, err := m.Create("p", "u", "r", "n"); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	m.StartReaper(5 * time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for m.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if m.Count() != 0 {
		t.Fatalf("reaper left %d sessions", m.Count())
	}
	if destroyed != 3 {
		t.Errorf("destroy callback fired %d times, want 3", destroyed)
	}
}

func TestIdleLogoutDestroysSession(t *testing.T) {
	m := NewManager("customer", time.Hour)
	defer m.Close()
	m.EnableIdleLogout(30*time.Minute, nil)

	var destroyed []string
	m.SetDestroyCallback(func(id string) { destroyed = append(destroyed, id) })

	s, err := m.Create("cust-1", "janed", "customer", "Jane")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	m.mu.RLock()
	monitor := m.monitors[s.ID]
	m.mu.RUnlock()
	if monitor == nil {
		t.Fatal("no idle monitor attached to the session")
	}

	// Resolving counts as activity.
	setIdle(monitor, 29*time.Minute)
	if _, ok := m.Resolve(s.ID); !ok {
		t.Fatal("Resolve failed for live session")
	}
	if monitor.IdleTime() > time.Minute {
		t.Errorf("Resolve did not reset the idle window: %v", monitor.IdleTime())
	}

	// Silence past the window destroys the session like a logout.
	setIdle(monitor, 31*time.Minute)
	monitor.Check()

	if _, ok := m.Resolve(s.ID); ok {
		t.Error("idle-logged-out session resolved")
	}
	if len(destroyed) != 1 || destroyed[0] != s.ID {
		t.Errorf("destroy callback fired %d times: %v", len(destroyed), destroyed)
	}

	m.mu.RLock()
	remaining := len(m.monitors)
	m.mu.RUnlock()
	if remaining != 0 {
		t.Errorf("%d idle monitors left after destroy", remaining)
	}
}

func TestNamespacesDoNotShareSessions(t *testing.T) {
	customers := NewManager("customer", time.Hour)
	employees := NewManager("employee", time.Hour)
	defer customers.Close()
	defer employees.Close()

	s, err := customers.Create("cust-1", "janed", "customer", "Jane")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, ok := employees.Resolve(s.ID); ok {
		t.Error("customer session resolved in the employee namespace")
	}
}
