// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/morganforge/swiftgate/internal/fault"
	"github.com/morganforge/swiftgate/internal/storage"
)

const testIP = "10.0.0.1"

func authFixture(t *testing.T, employeeTOTP bool) (*AuthService, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	lockout := NewLockoutGuard(store, nil, map[storage.PrincipalKind]LockoutPolicy{
		storage.KindCustomer: {MaxAttempts: 5, LockDuration: 30 * time.Minute},
		storage.KindEmployee: {MaxAttempts: 6, LockDuration: 30 * time.Minute, WarnAt: 5},
	}, 0)

	auth := NewAuthService(store, fastCreds(), lockout, nil, 3, func() bool { return employeeTOTP })
	return auth, store
}

func registerTestCustomer(t *testing.T, auth *AuthService) *storage.Principal {
	t.Helper()
	p, err := auth.RegisterCustomer(context.Background(), RegisterCustomerInput{
		FullName:      "Jane Customer",
		IDNumber:      "8001015009087",
		AccountNumber: "12345678",
		Username:      "janed",
		Password:      "Kw9#mXp2&Tz",
	}, testIP)
	if err != nil {
		t.Fatalf("RegisterCustomer failed: %v", err)
	}
	return p
}

func provisionTestEmployee(t *testing.T, auth *AuthService) *storage.Principal {
	t.Helper()
	p, err := auth.ProvisionEmployee(context.Background(), ProvisionEmployeeInput{
		EmployeeID: "EMP-001",
		FullName:   "Sam Verifier",
		Username:   "samv",
		Role:       "employee",
		Department: "payments",
		Password:   "Vf7#wQn4&Xm",
	}, testIP)
	if err != nil {
		t.Fatalf("ProvisionEmployee failed: %v", err)
	}
	return p
}

// =============================================================================
// REGISTRATION
// =============================================================================

func TestRegisterCustomer(t *testing.T) {
	auth, store := authFixture(t, false)
	p := registerTestCustomer(t, auth)

	stored, err := store.PrincipalByUsername(context.Background(), storage.KindCustomer, "janed")
	if err != nil {
		t.Fatalf("stored customer not found: %v", err)
	}
	if stored.ID != p.ID || stored.Role != "customer" || !stored.IsActive {
		t.Errorf("stored customer mismatch: %+v", stored)
	}
	if len(stored.Credential.Hash) == 0 {
		t.Error("credential was not hashed and stored")
	}
}

func TestRegisterCustomerRejections(t *testing.T) {
	auth, _ := authFixture(t, false)
	ctx := context.Background()

	base := RegisterCustomerInput{
		FullName:      "Jane Customer",
		IDNumber:      "8001015009087",
		AccountNumber: "12345678",
		Username:      "janed",
		Password:      "Kw9#mXp2&Tz",
	}

	tests := []struct {
		name   string
		mutate func(*RegisterCustomerInput)
	}{
		{"bad username", func(in *RegisterCustomerInput) { in.Username = "x" }},
		{"bad id number", func(in *RegisterCustomerInput) { in.IDNumber = "8001015009088" }},
		{"bad account number", func(in *RegisterCustomerInput) { in.AccountNumber = "123" }},
		{"missing full name", func(in *RegisterCustomerInput) { in.FullName = "" }},
		{"weak password", func(in *RegisterCustomerInput) { in.Password = "weak" }},
		{"password contains username", func(in *RegisterCustomerInput) { in.Password = "Xk9#janed!Tm" }},
		{"password contains account number", func(in *RegisterCustomerInput) { in.Password = "Xk9#12345678!T" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			_, err := auth.RegisterCustomer(ctx, in, testIP)
			if !fault.IsKind(err, fault.Validation) {
				t.Errorf("got %v, want validation fault", err)
			}
		})
	}
}

func TestRegisterWeakPasswordFaultShape(t *testing.T) {
	auth, _ := authFixture(t, false)

	_, err := auth.RegisterCustomer(context.Background(), RegisterCustomerInput{
		FullName:      "Jane Customer",
		IDNumber:      "8001015009087",
		AccountNumber: "12345678",
		Username:      "janed",
		Password:      "weak",
	}, testIP)

	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatalf("got %v, want a classified fault", err)
	}
	if fe.Kind != fault.Validation || fe.Field != "password" {
		t.Errorf("fault = kind %q field %q, want validation/password", fe.Kind, fe.Field)
	}
	if fe.AttemptsLeft != -1 {
		t.Errorf("AttemptsLeft = %d, want -1 (not disclosed)", fe.AttemptsLeft)
	}
	// The message names the failed requirements, comma-separated.
	if !strings.Contains(fe.Message, ReqLength) {
		t.Errorf("message %q does not name the failed length requirement", fe.Message)
	}
}

func TestRegisterCustomerDuplicate(t *testing.T) {
	auth, _ := authFixture(t, false)
	registerTestCustomer(t, auth)

	_, err := auth.RegisterCustomer(context.Background(), RegisterCustomerInput{
		FullName:      "Jane Again",
		IDNumber:      "8001015009087",
		AccountNumber: "87654321",
		Username:      "janed",
		Password:      "Kw9#mXp2&Tz",
	}, testIP)
	if !fault.IsKind(err, fault.Validation) {
		t.Errorf("duplicate registration: got %v, want validation fault", err)
	}
}

// =============================================================================
// LOGIN
// =============================================================================

func TestLoginSuccess(t *testing.T) {
	auth, _ := authFixture(t, false)
	registerTestCustomer(t, auth)

	p, err := auth.Login(context.Background(), storage.KindCustomer, Credentials{
		Username: "janed", Password: "Kw9#mXp2&Tz",
	}, testIP)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if p.Username != "janed" {
		t.Errorf("logged in as %q", p.Username)
	}
	if p.LastLoginAt.IsZero() {
		t.Error("last login not stamped on success")
	}
}

func TestLoginGenericFailures(t *testing.T) {
	auth, store := authFixture(t, false)
	registerTestCustomer(t, auth)
	ctx := context.Background()

	// Unknown username and wrong password produce the same message.
	_, errUnknown := auth.Login(ctx, storage.KindCustomer, Credentials{Username: "ghost", Password: "x"}, testIP)
	_, errWrong := auth.Login(ctx, storage.KindCustomer, Credentials{Username: "janed", Password: "wrong"}, testIP)

	for name, err := range map[string]error{"unknown": errUnknown, "wrong": errWrong} {
		if !fault.IsKind(err, fault.Authentication) {
			t.Errorf("%s: got %v, want authentication fault", name, err)
		}
		var fe *fault.Error
		if asFault(err, &fe) && fe.Message != "invalid credentials" {
			t.Errorf("%s: message %q leaks which part failed", name, fe.Message)
		}
	}

	// Inactive principal fails identically.
	p, err := store.PrincipalByUsername(ctx, storage.KindCustomer, "janed")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	deactivatePrincipal(t, store, p)
	_, errInactive := auth.Login(ctx, storage.KindCustomer, Credentials{Username: "janed", Password: "Kw9#mXp2&Tz"}, testIP)
	if !fault.IsKind(errInactive, fault.Authentication) {
		t.Errorf("inactive: got %v, want authentication fault", errInactive)
	}
}

func TestLoginLockoutFlow(t *testing.T) {
	auth, _ := authFixture(t, false)
	registerTestCustomer(t, auth)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := auth.Login(ctx, storage.KindCustomer, Credentials{Username: "janed", Password: "wrong"}, testIP)
		if !fault.IsKind(err, fault.Authentication) {
			t.Fatalf("failure %d: got %v", i+1, err)
		}
	}

	// Correct password is refused while the lock window is open.
	_, err := auth.Login(ctx, storage.KindCustomer, Credentials{Username: "janed", Password: "Kw9#mXp2&Tz"}, testIP)
	if !fault.IsKind(err, fault.Locked) {
		t.Errorf("login during lock: got %v, want locked fault", err)
	}
}

func TestLoginEmployeeTOTP(t *testing.T) {
	auth, store := authFixture(t, true)
	emp := provisionTestEmployee(t, auth)
	ctx := context.Background()

	url, err := auth.EnrollTOTP(ctx, emp.ID, testIP)
	if err != nil {
		t.Fatalf("EnrollTOTP failed: %v", err)
	}
	if url == "" {
		t.Fatal("enrollment returned no otpauth url")
	}

	// Pending enrollment does not yet gate login.
	if _, err := auth.Login(ctx, storage.KindEmployee, Credentials{Username: "samv", Password: "Vf7#wQn4&Xm"}, testIP); err != nil {
		t.Fatalf("login with pending enrollment failed: %v", err)
	}

	stored, err := store.PrincipalByID(ctx, storage.KindEmployee, emp.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	code, err := totp.GenerateCode(stored.TOTPSecret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}
	if err := auth.ActivateTOTP(ctx, emp.ID, code, testIP); err != nil {
		t.Fatalf("ActivateTOTP failed: %v", err)
	}

	// Once active, a missing or wrong code fails login.
	_, err = auth.Login(ctx, storage.KindEmployee, Credentials{Username: "samv", Password: "Vf7#wQn4&Xm"}, testIP)
	if !fault.IsKind(err, fault.Authentication) {
		t.Errorf("login without code: got %v, want authentication fault", err)
	}

	code, err = totp.GenerateCode(stored.TOTPSecret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode failed: %v", err)
	}
	if _, err := auth.Login(ctx, storage.KindEmployee, Credentials{Username: "samv", Password: "Vf7#wQn4&Xm", TOTPCode: code}, testIP); err != nil {
		t.Fatalf("login with valid code failed: %v", err)
	}
}

// =============================================================================
// PASSWORD ROTATION
// =============================================================================

func TestRotatePassword(t *testing.T) {
	auth, _ := authFixture(t, false)
	p := registerTestCustomer(t, auth)
	ctx := context.Background()

	const next = "Nw4$bYt8%Qr"
	if err := auth.RotatePassword(ctx, storage.KindCustomer, p.ID, "Kw9#mXp2&Tz", next, testIP); err != nil {
		t.Fatalf("RotatePassword failed: %v", err)
	}

	// Old password no longer authenticates; new one does.
	if _, err := auth.Login(ctx, storage.KindCustomer, Credentials{Username: "janed", Password: "Kw9#mXp2&Tz"}, testIP); err == nil {
		t.Error("retired password still authenticates")
	}
	if _, err := auth.Login(ctx, storage.KindCustomer, Credentials{Username: "janed", Password: next}, testIP); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
}

func TestRotatePasswordRejectsReuse(t *testing.T) {
	auth, _ := authFixture(t, false)
	p := registerTestCustomer(t, auth)
	ctx := context.Background()

	// Same-as-current is refused.
	err := auth.RotatePassword(ctx, storage.KindCustomer, p.ID, "Kw9#mXp2&Tz", "Kw9#mXp2&Tz", testIP)
	if !fault.IsKind(err, fault.Validation) {
		t.Errorf("same-as-current: got %v, want validation fault", err)
	}

	// A password from history is refused even after intervening rotations.
	if err := auth.RotatePassword(ctx, storage.KindCustomer, p.ID, "Kw9#mXp2&Tz", "Nw4$bYt8%Qr", testIP); err != nil {
		t.Fatalf("first rotation failed: %v", err)
	}
	err = auth.RotatePassword(ctx, storage.KindCustomer, p.ID, "Nw4$bYt8%Qr", "Kw9#mXp2&Tz", testIP)
	if !fault.IsKind(err, fault.Validation) {
		t.Errorf("reuse from history: got %v, want validation fault", err)
	}
}

func TestRotatePasswordRequiresCurrent(t *testing.T) {
	auth, _ := authFixture(t, false)
	p := registerTestCustomer(t, auth)

	err := auth.RotatePassword(context.Background(), storage.KindCustomer, p.ID, "wrong-current", "Nw4$bYt8%Qr", testIP)
	if !fault.IsKind(err, fault.Authentication) {
		t.Errorf("got %v, want authentication fault", err)
	}
}

// =============================================================================
// STATUS
// =============================================================================

func TestSecurityStatus(t *testing.T) {
	auth, _ := authFixture(t, false)
	p := registerTestCustomer(t, auth)
	ctx := context.Background()

	_, _ = auth.Login(ctx, storage.KindCustomer, Credentials{Username: "janed", Password: "wrong"}, testIP)

	status, err := auth.Status(ctx, storage.KindCustomer, p.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Username != "janed" || status.LoginAttempts != 1 || status.Locked {
		t.Errorf("status = %+v", status)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func asFault(err error, target **fault.Error) bool {
	fe, ok := err.(*fault.Error)
	if ok {
		*target = fe
	}
	return ok
}

func deactivatePrincipal(t *testing.T, store *storage.Store, p *storage.Principal) {
	t.Helper()
	if err := store.DeactivatePrincipal(context.Background(), p.Kind, p.ID); err != nil {
		t.Fatalf("DeactivatePrincipal failed: %v", err)
	}
}
