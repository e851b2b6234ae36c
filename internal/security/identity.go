// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"regexp"

	"github.com/morganforge/swiftgate/internal/fault"
)

// =============================================================================
// IDENTITY FIELD VALIDATION
// =============================================================================

// The HTTP boundary trims and sanitizes input before it reaches the core;
// these checks re-assert the business invariants the core owns regardless.

var (
	usernamePattern      = regexp.MustCompile(`^[a-zA-Z0-9_]{3,30}$`)
	accountNumberPattern = regexp.MustCompile(`^[0-9]{8,12}$`)
	idNumberPattern      = regexp.MustCompile(`^[0-9]{13}$`)
)

// ValidateUsername checks the 3-30 alphanumeric/underscore rule.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return fault.Validationf("username", "username must be 3-30 letters, digits, or underscores")
	}
	return nil
}

// ValidateAccountNumber checks the 8-12 digit rule.
func ValidateAccountNumber(account string) error {
	if !accountNumberPattern.MatchString(account) {
		return fault.Validationf("accountNumber", "account number must be 8-12 digits")
	}
	return nil
}

// ValidateIDNumber checks the 13-digit national identity number, including
// its Luhn check digit.
func ValidateIDNumber(idNumber string) error {
	if !idNumberPattern.MatchString(idNumber) {
		return fault.Validationf("idNumber", "identity number must be 13 digits")
	}
	if !luhnValid(idNumber) {
		return fault.Validationf("idNumber", "identity number check digit is invalid")
	}
	return nil
}

// luhnValid runs the Luhn checksum over a digit string.
func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
