// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
)

// =============================================================================
// CSRF GUARD
// =============================================================================

// TokenSize is the size of a CSRF token in bytes before hex encoding.
const TokenSize = 32

// CSRFGuard issues and verifies per-session CSRF tokens.
//
// A session cookie alone is replayable cross-site; binding a second,
// header-delivered secret that a third-party origin cannot read defeats
// forgery without long-lived API keys. Tokens are session-scoped, not
// single-use: a valid session may re-fetch its token at any time, and the
// token dies with the session.
type CSRFGuard struct {
	mu     sync.RWMutex
	tokens map[string]string // session ID -> token
}

// NewCSRFGuard creates an empty guard.
func NewCSRFGuard() *CSRFGuard {
	return &CSRFGuard{tokens: make(map[string]string)}
}

// Issue returns the token bound to the session, generating one on first
// request. Token generation failure is fatal for the request; a predictable
// token is worse than none.
func (g *CSRFGuard) Issue(sessionID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if token, ok := g.tokens[sessionID]; ok {
		return token, nil
	}

	raw := make([]byte, TokenSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate csrf token: %w", err)
	}
	token := hex.EncodeToString(raw)
	g.tokens[sessionID] = token
	return token, nil
}

// Verify reports whether the presented token matches the one bound to the
// session. Comparison is constant-time; an unknown session or empty
// presentation always fails.
func (g *CSRFGuard) Verify(sessionID, presented string) bool {
	if presented == "" {
		return false
	}

	g.mu.RLock()
	token, ok := g.tokens[sessionID]
	g.mu.RUnlock()
	if !ok {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1
}

// Invalidate drops the token bound to a session. Called on logout and
// expiry so a token is useless outside its issuing session.
func (g *CSRFGuard) Invalidate(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tokens, sessionID)
}
