// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"context"
	"errors"

	"github.com/pquerna/otp/totp"

	"github.com/morganforge/swiftgate/internal/fault"
	"github.com/morganforge/swiftgate/internal/storage"
)

// =============================================================================
// TOTP SECOND FACTOR (employees only)
// =============================================================================

// TOTPIssuer is the issuer string shown in authenticator apps.
const TOTPIssuer = "SwiftGate"

// EnrollTOTP generates a TOTP secret for an employee and stores it in a
// pending (disabled) state. The secret only becomes load-bearing once the
// employee proves possession via ActivateTOTP.
func (s *AuthService) EnrollTOTP(ctx context.Context, employeeID, sourceIP string) (otpauthURL string, err error) {
	p, err := s.store.PrincipalByID(ctx, storage.KindEmployee, employeeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fault.New(fault.NotFound, "employee not found")
		}
		return "", fault.Internalf(err, "failed to load employee")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      TOTPIssuer,
		AccountName: p.Username,
	})
	if err != nil {
		return "", fault.Internalf(err, "failed to generate totp secret")
	}

	if err := s.store.SetEmployeeTOTP(ctx, employeeID, key.Secret(), false); err != nil {
		return "", fault.Internalf(err, "failed to store totp secret")
	}

	s.audit.LogEvent("TOTP_ENROLLED", string(storage.KindEmployee), p.Username, sourceIP, true, map[string]string{
		"activated": "false",
	})
	return key.URL(), nil
}

// ActivateTOTP verifies a code against the pending secret and enables the
// second factor for future logins.
func (s *AuthService) ActivateTOTP(ctx context.Context, employeeID, code, sourceIP string) error {
	p, err := s.store.PrincipalByID(ctx, storage.KindEmployee, employeeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fault.New(fault.NotFound, "employee not found")
		}
		return fault.Internalf(err, "failed to load employee")
	}
	if p.TOTPSecret == "" {
		return fault.Validationf("totp", "no pending authenticator enrollment")
	}

	if !verifyTOTPCode(p.TOTPSecret, code) {
		s.audit.LogEvent("TOTP_ACTIVATION_DENIED", string(storage.KindEmployee), p.Username, sourceIP, false, nil)
		return fault.Validationf("totp", "authenticator code is invalid")
	}

	if err := s.store.SetEmployeeTOTP(ctx, employeeID, p.TOTPSecret, true); err != nil {
		return fault.Internalf(err, "failed to activate totp")
	}

	s.audit.LogEvent("TOTP_ACTIVATED", string(storage.KindEmployee), p.Username, sourceIP, true, nil)
	return nil
}

// verifyTOTPCode validates a code against a secret. Empty inputs fail.
func verifyTOTPCode(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	return totp.Validate(code, secret)
}
