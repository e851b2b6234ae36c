// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/morganforge/swiftgate/internal/fault"
	"github.com/morganforge/swiftgate/internal/storage"
)

// =============================================================================
// LOCKOUT POLICY
// =============================================================================

// LockoutPolicy is the failed-login policy for one principal namespace.
// The customer and employee portals historically diverged on the ceiling
// (5 vs 6); that divergence is carried here as configuration, not as two
// copies of the state machine.
type LockoutPolicy struct {
	// MaxAttempts is the number of consecutive failures before lockout.
	MaxAttempts int

	// LockDuration is how long a lockout lasts.
	LockDuration time.Duration

	// WarnAt emits a warning audit event at this attempt count (0 = never).
	WarnAt int
}

// =============================================================================
// LOCKOUT GUARD
// =============================================================================

// Limiter map bounds: buckets idle past the eviction window are dropped,
// and the map never holds more than the cap — an attacker cycling usernames
// cannot grow it without bound.
const (
	limiterCap       = 10_000
	limiterIdleEvict = 10 * time.Minute
)

// limiterEntry pairs a token bucket with its last use, for eviction.
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LockoutGuard enforces the lockout state machine for both principal
// namespaces. Counter state lives on the principal row; every mutation goes
// through the store's atomic increment, so two concurrent failures can never
// both observe the pre-lock count and neither trigger the lock.
//
// A per-identifier token bucket (the shared brute-force guard) runs ahead of
// credential verification so an attacker cannot burn CPU on hashing faster
// than the policy allows.
type LockoutGuard struct {
	store    *storage.Store
	audit    *AuditLogger
	policies map[storage.PrincipalKind]LockoutPolicy

	// Brute-force guard state.
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

// NewLockoutGuard creates a guard with per-namespace policies.
// attemptsPerMinute throttles verification attempts per identifier before
// any hashing work; 0 disables the throttle.
func NewLockoutGuard(store *storage.Store, audit *AuditLogger, policies map[storage.PrincipalKind]LockoutPolicy, attemptsPerMinute int) *LockoutGuard {
	g := &LockoutGuard{
		store:    store,
		audit:    audit,
		policies: policies,
		limiters: make(map[string]*limiterEntry),
	}
	if attemptsPerMinute > 0 {
		g.limit = rate.Limit(float64(attemptsPerMinute) / 60.0)
		g.burst = attemptsPerMinute
	}
	return g
}

// policy returns the policy for a namespace, with a conservative fallback.
func (g *LockoutGuard) policy(kind storage.PrincipalKind) LockoutPolicy {
	if p, ok := g.policies[kind]; ok {
		return p
	}
	return LockoutPolicy{MaxAttempts: 5, LockDuration: 30 * time.Minute}
}

// =============================================================================
// BRUTE-FORCE GUARD
// =============================================================================

// Allow consumes one token from the identifier's bucket. When the bucket is
// empty the caller must treat the attempt as failed without touching the
// credential store — the point is to refuse the hashing work.
func (g *LockoutGuard) Allow(identifier string) bool {
	if g.limit == 0 {
		return true
	}
	now := time.Now()

	g.mu.Lock()
	entry, ok := g.limiters[identifier]
	if !ok {
		if len(g.limiters) >= limiterCap {
			g.evictLocked(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.limiters[identifier] = entry
	}
	entry.lastSeen = now
	g.mu.Unlock()

	return entry.limiter.Allow()
}

// evictLocked drops idle buckets; if the map is still at the cap it drops
// the stalest entries until a slot is free. An evicted identifier simply
// starts a fresh bucket on its next attempt.
func (g *LockoutGuard) evictLocked(now time.Time) {
	for id, entry := range g.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleEvict {
			delete(g.limiters, id)
		}
	}
	for len(g.limiters) >= limiterCap {
		var stalestID string
		var stalest time.Time
		for id, entry := range g.limiters {
			if stalestID == "" || entry.lastSeen.Before(stalest) {
				stalestID, stalest = id, entry.lastSeen
			}
		}
		delete(g.limiters, stalestID)
	}
}

// =============================================================================
// STATE TRANSITIONS
// =============================================================================

// CheckLocked must run before credential verification. While the lock window
// is open it refuses authentication outright — signalling "locked", which is
// deliberately distinct from "invalid credentials" — and skips the wasted
// hashing work. An expired lock self-clears: attempts reset to zero and
// normal verification proceeds.
func (g *LockoutGuard) CheckLocked(ctx context.Context, p *storage.Principal, sourceIP string) error {
	now := time.Now()

	if p.IsLocked(now) {
		remaining := time.Until(p.LockoutUntil)
		g.audit.LogEvent("AUTH_ATTEMPT_BLOCKED", string(p.Kind), p.Username, sourceIP, false, map[string]string{
			"reason":         "locked",
			"time_remaining": remaining.Round(time.Second).String(),
		})
		return fault.Lockedf(remaining, "account locked; try again in %s", remaining.Round(time.Minute))
	}

	// Lock expired: self-clear on next access.
	if !p.LockoutUntil.IsZero() {
		if err := g.store.ResetLoginAttempts(ctx, p.Kind, p.ID); err != nil {
			return fault.Internalf(err, "failed to clear expired lock")
		}
		p.LoginAttempts = 0
		p.LockoutUntil = time.Time{}
		g.audit.LogEvent("AUTH_LOCK_EXPIRED", string(p.Kind), p.Username, sourceIP, true, nil)
	}

	return nil
}

// RecordFailure registers a failed verification: the counter is bumped
// atomically, the lock window opens when the ceiling is reached, and a
// security event is emitted either way. The returned fault carries the
// generic anti-enumeration message; remaining attempts is the only extra
// signal permitted.
func (g *LockoutGuard) RecordFailure(ctx context.Context, p *storage.Principal, sourceIP string) error {
	policy := g.policy(p.Kind)

	attempts, err := g.store.IncrementLoginAttempts(ctx, p.Kind, p.ID)
	if err != nil {
		return fault.Internalf(err, "failed to record login attempt")
	}

	g.audit.LogEvent("AUTH_ATTEMPT", string(p.Kind), p.Username, sourceIP, false, map[string]string{
		"attempt_count": fmt.Sprintf("%d/%d", attempts, policy.MaxAttempts),
	})

	if policy.WarnAt > 0 && attempts == policy.WarnAt && attempts < policy.MaxAttempts {
		g.audit.LogEvent("AUTH_LOCKOUT_WARNING", string(p.Kind), p.Username, sourceIP, false, map[string]string{
			"attempts_remaining": fmt.Sprintf("%d", policy.MaxAttempts-attempts),
		})
	}

	if attempts >= policy.MaxAttempts {
		until := time.Now().Add(policy.LockDuration)
		if err := g.store.LockPrincipal(ctx, p.Kind, p.ID, until); err != nil {
			return fault.Internalf(err, "failed to lock principal")
		}
		g.audit.LogEvent("AUTH_LOCKOUT", string(p.Kind), p.Username, sourceIP, false, map[string]string{
			"duration": policy.LockDuration.String(),
			"until":    until.Format(time.RFC3339),
		})
		return fault.Authenticationf(0, "invalid credentials")
	}

	return fault.Authenticationf(policy.MaxAttempts-attempts, "invalid credentials")
}

// RecordSuccess resets the counter unconditionally (full forgiveness, not a
// decrement), clears any lock remnant, and stamps the login time.
func (g *LockoutGuard) RecordSuccess(ctx context.Context, p *storage.Principal, sourceIP string) error {
	if err := g.store.ResetLoginAttempts(ctx, p.Kind, p.ID); err != nil {
		return fault.Internalf(err, "failed to reset login attempts")
	}
	now := time.Now()
	if err := g.store.TouchLastLogin(ctx, p.Kind, p.ID, now); err != nil {
		return fault.Internalf(err, "failed to record login time")
	}
	p.LoginAttempts = 0
	p.LockoutUntil = time.Time{}
	p.LastLoginAt = now

	g.audit.LogEvent("AUTH_ATTEMPT", string(p.Kind), p.Username, sourceIP, true, nil)
	return nil
}
