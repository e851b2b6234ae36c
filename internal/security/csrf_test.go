// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import "testing"

func TestCSRFIssueIsStablePerSession(t *testing.T) {
	guard := NewCSRFGuard()

	first, err := guard.Issue("sess-1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if len(first) != TokenSize*2 {
		t.Errorf("token length = %d, want %d hex chars", len(first), TokenSize*2)
	}

	// Re-fetching returns the same token; the token is session-scoped, not
	// single-use.
	again, err := guard.Issue("sess-1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if first != again {
		t.Error("re-issue changed the session's token")
	}

	other, err := guard.Issue("sess-2")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if other == first {
		t.Error("two sessions share a token")
	}
}

func TestCSRFVerify(t *testing.T) {
	guard := NewCSRFGuard()
	token, err := guard.Issue("sess-1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if !guard.Verify("sess-1", token) {
		t.Error("valid token rejected")
	}
	if guard.Verify("sess-1", "") {
		t.Error("empty presentation accepted")
	}
	if guard.Verify("sess-1", token[:len(token)-1]+"0") {
		t.Error("tampered token accepted")
	}
	if guard.Verify("sess-2", token) {
		t.Error("token accepted for a session it is not bound to")
	}
	if guard.Verify("unknown", "anything") {
		t.Error("unknown session verified")
	}
}

func TestCSRFInvalidate(t *testing.T) {
	guard := NewCSRFGuard()
	token, err := guard.Issue("sess-1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	guard.Invalidate("sess-1")
	if guard.Verify("sess-1", token) {
		t.Error("token survived session destruction")
	}

	// A fresh issue after invalidation is a new token.
	next, err := guard.Issue("sess-1")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if next == token {
		t.Error("invalidated token was re-issued")
	}
}
