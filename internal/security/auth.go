// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/morganforge/swiftgate/internal/fault"
	"github.com/morganforge/swiftgate/internal/storage"
)

// =============================================================================
// AUTH SERVICE
// =============================================================================

// AuthService orchestrates registration, login, and credential rotation for
// both principal namespaces. There is exactly one implementation: the
// customer/employee differences (lockout ceiling, session namespace, TOTP)
// are parameters, so the two portals cannot drift apart again.
type AuthService struct {
	store   *storage.Store
	creds   *CredentialStore
	lockout *LockoutGuard
	audit   *AuditLogger

	historyLimit int

	// employeeTOTP reads the current config toggle; the config watcher may
	// flip it at runtime.
	employeeTOTP func() bool
}

// NewAuthService wires the authentication core together.
func NewAuthService(store *storage.Store, creds *CredentialStore, lockout *LockoutGuard, audit *AuditLogger, historyLimit int, employeeTOTP func() bool) *AuthService {
	if historyLimit < 1 {
		historyLimit = 1
	}
	if employeeTOTP == nil {
		employeeTOTP = func() bool { return false }
	}
	return &AuthService{
		store:        store,
		creds:        creds,
		lockout:      lockout,
		audit:        audit,
		historyLimit: historyLimit,
		employeeTOTP: employeeTOTP,
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// RegisterCustomerInput is the self-service registration payload.
type RegisterCustomerInput struct {
	FullName      string
	IDNumber      string
	AccountNumber string
	Username      string
	Password      string
}

// RegisterCustomer validates identity fields and password strength, hashes
// the credential, and persists a new customer principal.
// Registration is all-or-nothing on strength: a password failing any check
// is rejected regardless of its partial score.
func (s *AuthService) RegisterCustomer(ctx context.Context, in RegisterCustomerInput, sourceIP string) (*storage.Principal, error) {
	if err := ValidateUsername(in.Username); err != nil {
		return nil, err
	}
	if err := ValidateIDNumber(in.IDNumber); err != nil {
		return nil, err
	}
	if err := ValidateAccountNumber(in.AccountNumber); err != nil {
		return nil, err
	}
	if in.FullName == "" {
		return nil, fault.Validationf("fullName", "full name is required")
	}

	report := AnalyzeRegistration(in.Password, []string{in.Username, in.FullName, in.IDNumber, in.AccountNumber})
	if !report.IsStrong {
		return nil, fault.Validationf("password", "password does not meet strength requirements: %s", strings.Join(report.Failed, ", "))
	}

	rec, err := s.creds.Hash(in.Password)
	if err != nil {
		return nil, fault.Internalf(err, "failed to hash credential")
	}

	p := &storage.Principal{
		Kind:          storage.KindCustomer,
		ID:            uuid.NewString(),
		FullName:      in.FullName,
		IDNumber:      in.IDNumber,
		AccountNumber: in.AccountNumber,
		Username:      in.Username,
		Role:          "customer",
		Credential:    rec,
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.store.CreatePrincipal(ctx, p); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, fault.Validationf("idNumber", "username or identity number already registered")
		}
		return nil, fault.Internalf(err, "failed to create customer")
	}

	s.audit.LogEvent("CUSTOMER_REGISTERED", string(p.Kind), p.Username, sourceIP, true, nil)
	return p, nil
}

// ProvisionEmployeeInput creates employee principals; employees are
// provisioned by an operator, never self-registered.
type ProvisionEmployeeInput struct {
	EmployeeID string
	FullName   string
	Username   string
	Role       string // employee or admin
	Department string
	Password   string
}

// ProvisionEmployee creates an employee principal.
func (s *AuthService) ProvisionEmployee(ctx context.Context, in ProvisionEmployeeInput, sourceIP string) (*storage.Principal, error) {
	if err := ValidateUsername(in.Username); err != nil {
		return nil, err
	}
	if in.EmployeeID == "" {
		return nil, fault.Validationf("employeeId", "employee id is required")
	}
	if in.Role != "employee" && in.Role != "admin" {
		return nil, fault.Validationf("role", "role must be employee or admin")
	}

	report := AnalyzeRegistration(in.Password, []string{in.Username, in.FullName, in.EmployeeID})
	if !report.IsStrong {
		return nil, fault.Validationf("password", "password does not meet strength requirements: %s", strings.Join(report.Failed, ", "))
	}

	rec, err := s.creds.Hash(in.Password)
	if err != nil {
		return nil, fault.Internalf(err, "failed to hash credential")
	}

	p := &storage.Principal{
		Kind:       storage.KindEmployee,
		ID:         uuid.NewString(),
		EmployeeID: in.EmployeeID,
		FullName:   in.FullName,
		Username:   in.Username,
		Role:       in.Role,
		Department: in.Department,
		Credential: rec,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.store.CreatePrincipal(ctx, p); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, fault.Validationf("username", "username or employee id already registered")
		}
		return nil, fault.Internalf(err, "failed to create employee")
	}

	s.audit.LogEvent("EMPLOYEE_PROVISIONED", string(p.Kind), p.Username, sourceIP, true, nil)
	return p, nil
}

// =============================================================================
// LOGIN
// =============================================================================

// Credentials is a login presentation.
type Credentials struct {
	Username string
	Password string
	TOTPCode string
}

// Login authenticates a principal in the given namespace.
//
// Order matters and is part of the contract: the lock check runs before any
// credential work (a locked account refuses even the correct password), the
// brute-force guard runs before the hash derivation, and only then is the
// credential verified. Failure messages never reveal whether the username or
// the password was wrong.
func (s *AuthService) Login(ctx context.Context, kind storage.PrincipalKind, creds Credentials, sourceIP string) (*storage.Principal, error) {
	p, err := s.store.PrincipalByUsername(ctx, kind, creds.Username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Unknown principal: same generic answer as a wrong password.
			s.audit.LogEvent("AUTH_UNKNOWN_PRINCIPAL", string(kind), creds.Username, sourceIP, false, nil)
			return nil, fault.Authenticationf(-1, "invalid credentials")
		}
		return nil, fault.Internalf(err, "failed to load principal")
	}

	if !p.IsActive {
		s.audit.LogEvent("AUTH_INACTIVE_PRINCIPAL", string(kind), p.Username, sourceIP, false, nil)
		return nil, fault.Authenticationf(-1, "invalid credentials")
	}

	if err := s.lockout.CheckLocked(ctx, p, sourceIP); err != nil {
		return nil, err
	}

	if !s.lockout.Allow(string(kind) + ":" + creds.Username) {
		// Throttled: counts as a failed attempt without paying for hashing.
		return nil, s.lockout.RecordFailure(ctx, p, sourceIP)
	}

	if !s.creds.Verify(creds.Password, p.Credential) {
		return nil, s.lockout.RecordFailure(ctx, p, sourceIP)
	}

	if kind == storage.KindEmployee && s.employeeTOTP() && p.TOTPEnabled {
		if !verifyTOTPCode(p.TOTPSecret, creds.TOTPCode) {
			return nil, s.lockout.RecordFailure(ctx, p, sourceIP)
		}
	}

	if err := s.lockout.RecordSuccess(ctx, p, sourceIP); err != nil {
		return nil, err
	}
	return p, nil
}

// =============================================================================
// PASSWORD ROTATION
// =============================================================================

// RotatePassword replaces a principal's credential. The retired credential
// is pushed onto the capped history and the rotation is audited here, as an
// explicit step of this operation — not a persistence-layer hook.
func (s *AuthService) RotatePassword(ctx context.Context, kind storage.PrincipalKind, principalID, current, next, sourceIP string) error {
	p, err := s.store.PrincipalByID(ctx, kind, principalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fault.New(fault.NotFound, "principal not found")
		}
		return fault.Internalf(err, "failed to load principal")
	}

	if !s.creds.Verify(current, p.Credential) {
		s.audit.LogEvent("PASSWORD_ROTATE_DENIED", string(kind), p.Username, sourceIP, false, nil)
		return fault.Authenticationf(-1, "invalid credentials")
	}

	report := AnalyzeStrength(next)
	if !report.IsStrong {
		return fault.Validationf("password", "password does not meet strength requirements: %s", strings.Join(report.Failed, ", "))
	}

	history, err := s.store.PasswordHistory(ctx, kind, principalID)
	if err != nil {
		return fault.Internalf(err, "failed to load password history")
	}
	if s.creds.Verify(next, p.Credential) || s.creds.InHistory(next, history) {
		return fault.Validationf("password", "password was used recently; choose a new one")
	}

	rec, err := s.creds.Hash(next)
	if err != nil {
		return fault.Internalf(err, "failed to hash credential")
	}

	if err := s.store.PushPasswordHistory(ctx, kind, principalID, p.Credential, s.historyLimit); err != nil {
		return fault.Internalf(err, "failed to record password history")
	}
	if err := s.store.UpdateCredential(ctx, kind, principalID, rec); err != nil {
		return fault.Internalf(err, "failed to update credential")
	}

	s.audit.LogEvent("PASSWORD_ROTATED", string(kind), p.Username, sourceIP, true, nil)
	return nil
}

// =============================================================================
// SECURITY STATUS
// =============================================================================

// SecurityStatus is the principal's own view of their account security.
type SecurityStatus struct {
	Username          string    `json:"username"`
	LoginAttempts     int       `json:"loginAttempts"`
	Locked            bool      `json:"locked"`
	LockoutUntil      time.Time `json:"lockoutUntil,omitempty"`
	LastLoginAt       time.Time `json:"lastLoginAt,omitempty"`
	PasswordChangedAt time.Time `json:"passwordChangedAt"`
	TOTPEnabled       bool      `json:"totpEnabled,omitempty"`
}

// Status reports the security posture of one principal.
func (s *AuthService) Status(ctx context.Context, kind storage.PrincipalKind, principalID string) (*SecurityStatus, error) {
	p, err := s.store.PrincipalByID(ctx, kind, principalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fault.New(fault.NotFound, "principal not found")
		}
		return nil, fault.Internalf(err, "failed to load principal")
	}

	return &SecurityStatus{
		Username:          p.Username,
		LoginAttempts:     p.LoginAttempts,
		Locked:            p.IsLocked(time.Now()),
		LockoutUntil:      p.LockoutUntil,
		LastLoginAt:       p.LastLoginAt,
		PasswordChangedAt: p.Credential.CreatedAt,
		TOTPEnabled:       p.TOTPEnabled,
	}, nil
}
