// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testCredential() CredentialRecord {
	return CredentialRecord{
		Hash:       []byte("hash-bytes"),
		Salt:       []byte("salt-bytes"),
		Algorithm:  "pbkdf2-sha256",
		Iterations: 600_000,
		CreatedAt:  time.Now().UTC(),
	}
}

func testCustomer(id, username string) *Principal {
	return &Principal{
		Kind:          KindCustomer,
		ID:            id,
		FullName:      "Jane Customer",
		IDNumber:      "800101500908" + id[len(id)-1:],
		AccountNumber: "12345678",
		Username:      username,
		Role:          "customer",
		Credential:    testCredential(),
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	}
}

func testEmployee(id, username string) *Principal {
	return &Principal{
		Kind:       KindEmployee,
		ID:         id,
		EmployeeID: "EMP-" + id,
		FullName:   "Sam Verifier",
		Username:   username,
		Role:       "employee",
		Department: "payments",
		Credential: testCredential(),
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
}

// =============================================================================
// PRINCIPALS
// =============================================================================

func TestPrincipalRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	c := testCustomer("c1", "janed")
	if err := store.CreatePrincipal(ctx, c); err != nil {
		t.Fatalf("CreatePrincipal(customer) failed: %v", err)
	}

	got, err := store.PrincipalByUsername(ctx, KindCustomer, "janed")
	if err != nil {
		t.Fatalf("PrincipalByUsername failed: %v", err)
	}
	if got.ID != c.ID || got.AccountNumber != c.AccountNumber || !got.IsActive {
		t.Errorf("loaded customer mismatch: %+v", got)
	}
	if string(got.Credential.Hash) != "hash-bytes" || got.Credential.Iterations != 600_000 {
		t.Errorf("credential did not round-trip: %+v", got.Credential)
	}

	e := testEmployee("e1", "samv")
	if err := store.CreatePrincipal(ctx, e); err != nil {
		t.Fatalf("CreatePrincipal(employee) failed: %v", err)
	}
	gotE, err := store.PrincipalByID(ctx, KindEmployee, "e1")
	if err != nil {
		t.Fatalf("PrincipalByID failed: %v", err)
	}
	if gotE.EmployeeID != "EMP-e1" || gotE.Department != "payments" {
		t.Errorf("loaded employee mismatch: %+v", gotE)
	}
}

func TestPrincipalNamespacesAreDisjoint(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreatePrincipal(ctx, testCustomer("c1", "shared")); err != nil {
		t.Fatalf("CreatePrincipal failed: %v", err)
	}

	// The same username in the other namespace is a different principal,
	// not a duplicate.
	if err := store.CreatePrincipal(ctx, testEmployee("e1", "shared")); err != nil {
		t.Fatalf("employee with same username should not collide: %v", err)
	}

	if _, err := store.PrincipalByUsername(ctx, KindEmployee, "shared"); err != nil {
		t.Fatalf("employee lookup failed: %v", err)
	}
}

func TestCreatePrincipalDuplicate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreatePrincipal(ctx, testCustomer("c1", "janed")); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	dup := testCustomer("c2", "janed")
	if err := store.CreatePrincipal(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate username: got %v, want ErrDuplicate", err)
	}
}

func TestPrincipalNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.PrincipalByUsername(context.Background(), KindCustomer, "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// =============================================================================
// LOCKOUT PRIMITIVES
// =============================================================================

func TestIncrementLoginAttempts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := testCustomer("c1", "janed")
	if err := store.CreatePrincipal(ctx, p); err != nil {
		t.Fatalf("CreatePrincipal failed: %v", err)
	}

	for want := 1; want <= 3; want++ {
		got, err := store.IncrementLoginAttempts(ctx, KindCustomer, p.ID)
		if err != nil {
			t.Fatalf("IncrementLoginAttempts failed: %v", err)
		}
		if got != want {
			t.Errorf("attempt %d: counter = %d", want, got)
		}
	}

	if err := store.ResetLoginAttempts(ctx, KindCustomer, p.ID); err != nil {
		t.Fatalf("ResetLoginAttempts failed: %v", err)
	}
	reloaded, err := store.PrincipalByID(ctx, KindCustomer, p.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.LoginAttempts != 0 {
		t.Errorf("attempts after reset = %d, want 0", reloaded.LoginAttempts)
	}
}

func TestLockPrincipal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := testCustomer("c1", "janed")
	if err := store.CreatePrincipal(ctx, p); err != nil {
		t.Fatalf("CreatePrincipal failed: %v", err)
	}

	until := time.Now().Add(30 * time.Minute)
	if err := store.LockPrincipal(ctx, KindCustomer, p.ID, until); err != nil {
		t.Fatalf("LockPrincipal failed: %v", err)
	}

	reloaded, err := store.PrincipalByID(ctx, KindCustomer, p.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !reloaded.IsLocked(time.Now()) {
		t.Error("principal should report locked inside the window")
	}
	if reloaded.IsLocked(until.Add(time.Second)) {
		t.Error("principal should report unlocked after the window")
	}
}

// =============================================================================
// PASSWORD HISTORY
// =============================================================================

func TestPasswordHistoryFIFO(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := testCustomer("c1", "janed")
	if err := store.CreatePrincipal(ctx, p); err != nil {
		t.Fatalf("CreatePrincipal failed: %v", err)
	}

	const limit = 3
	for i := 0; i < 5; i++ {
		rec := testCredential()
		rec.Hash = []byte(fmt.Sprintf("hash-%d", i))
		rec.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		if err := store.PushPasswordHistory(ctx, KindCustomer, p.ID, rec, limit); err != nil {
			t.Fatalf("PushPasswordHistory failed: %v", err)
		}
	}

	history, err := store.PasswordHistory(ctx, KindCustomer, p.ID)
	if err != nil {
		t.Fatalf("PasswordHistory failed: %v", err)
	}
	if len(history) != limit {
		t.Fatalf("history length = %d, want %d", len(history), limit)
	}
	// The oldest entries were trimmed; the newest survive.
	for _, rec := range history {
		if string(rec.Hash) == "hash-0" || string(rec.Hash) == "hash-1" {
			t.Errorf("oldest entry %q should have been trimmed", rec.Hash)
		}
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func seedTransaction(t *testing.T, store *Store, id, customerID string) *Transaction {
	t.Helper()
	tx := &Transaction{
		ID:                 id,
		CustomerID:         customerID,
		Amount:             "1500.00",
		Currency:           "USD",
		Provider:           "FNB",
		SwiftCode:          "FIRNZAJJ",
		BeneficiaryAccount: "GB29NWBK60161331926819",
		Status:             StatusPending,
		CreatedAt:          time.Now().UTC(),
	}
	if err := store.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	return tx
}

func TestTransactionLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seedTransaction(t, store, "t1", "c1")

	if err := store.MarkVerified(ctx, "t1", "e1", "checked", time.Now()); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}
	tx, err := store.TransactionByID(ctx, "t1")
	if err != nil {
		t.Fatalf("TransactionByID failed: %v", err)
	}
	if tx.Status != StatusVerified || tx.VerifiedBy != "e1" || tx.EmployeeNotes != "checked" {
		t.Errorf("after verify: %+v", tx)
	}

	if err := store.MarkSubmitted(ctx, "t1", time.Now()); err != nil {
		t.Fatalf("MarkSubmitted failed: %v", err)
	}
	tx, err = store.TransactionByID(ctx, "t1")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if tx.Status != StatusSubmitted || !tx.SubmittedToSwift || tx.SubmittedAt.IsZero() {
		t.Errorf("after submit: %+v", tx)
	}
}

func TestStatusTransitionsAreCompareAndSwap(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seedTransaction(t, store, "t1", "c1")

	// Submitting a pending transaction skips the verified gate.
	if err := store.MarkSubmitted(ctx, "t1", time.Now()); !errors.Is(err, ErrStaleStatus) {
		t.Errorf("submit on pending: got %v, want ErrStaleStatus", err)
	}

	if err := store.MarkVerified(ctx, "t1", "e1", "", time.Now()); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}

	// A second verify observes a stale status and loses.
	if err := store.MarkVerified(ctx, "t1", "e2", "", time.Now()); !errors.Is(err, ErrStaleStatus) {
		t.Errorf("double verify: got %v, want ErrStaleStatus", err)
	}

	if err := store.MarkSubmitted(ctx, "t1", time.Now()); err != nil {
		t.Fatalf("MarkSubmitted failed: %v", err)
	}
	if err := store.MarkSubmitted(ctx, "t1", time.Now()); !errors.Is(err, ErrStaleStatus) {
		t.Errorf("double submit: got %v, want ErrStaleStatus", err)
	}

	// The winning verifier's identity was not overwritten by the loser.
	tx, err := store.TransactionByID(ctx, "t1")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if tx.VerifiedBy != "e1" {
		t.Errorf("VerifiedBy = %q, want e1", tx.VerifiedBy)
	}
}

func TestTransactionScoping(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seedTransaction(t, store, "t1", "alice")
	seedTransaction(t, store, "t2", "alice")
	seedTransaction(t, store, "t3", "bob")

	mine, err := store.TransactionsByCustomer(ctx, "alice")
	if err != nil {
		t.Fatalf("TransactionsByCustomer failed: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("alice sees %d transactions, want 2", len(mine))
	}

	all, err := store.Transactions(ctx, "")
	if err != nil {
		t.Fatalf("Transactions failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("unfiltered list = %d, want 3", len(all))
	}
}

func TestCountByStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seedTransaction(t, store, "t1", "c1")
	seedTransaction(t, store, "t2", "c1")
	seedTransaction(t, store, "t3", "c2")
	if err := store.MarkVerified(ctx, "t2", "e1", "", time.Now()); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[StatusPending] != 2 || counts[StatusVerified] != 1 || counts[StatusSubmitted] != 0 {
		t.Errorf("counts = %v", counts)
	}
}
