// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ledger

import (
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/morganforge/swiftgate/internal/fault"
)

// =============================================================================
// VALIDATION CONSTANTS
// =============================================================================

// MaxNotesLength caps employee notes; longer notes are truncated, not
// rejected.
const MaxNotesLength = 500

// minAmount is the exclusive lower bound for payment amounts.
var minAmount = decimal.New(1, -2) // 0.01

// allowedCurrencies is the 3-letter currency allow-list.
var allowedCurrencies = map[string]bool{
	"ZAR": true, "USD": true, "EUR": true, "GBP": true,
	"JPY": true, "CHF": true, "AUD": true, "CAD": true,
}

// allowedProviders enumerates the supported settlement banks.
var allowedProviders = map[string]bool{
	"FNB":           true,
	"ABSA":          true,
	"Nedbank":       true,
	"Standard Bank": true,
	"Capitec":       true,
}

// swiftPattern validates the structure of a SWIFT/BIC code: 4 bank letters,
// 2 country letters, 2 location characters, optional 3-character branch.
var swiftPattern = regexp.MustCompile(`^[A-Z]{4}[A-Z]{2}[A-Z0-9]{2}([A-Z0-9]{3})?$`)

// beneficiaryPattern accepts structured alphanumeric account identifiers.
var beneficiaryPattern = regexp.MustCompile(`^[A-Za-z0-9\-]{4,34}$`)

// =============================================================================
// CREATE INPUT
// =============================================================================

// CreateInput is a customer's payment instruction. The HTTP boundary has
// already trimmed and sanitized the strings; the ledger re-checks the
// business invariants it owns.
type CreateInput struct {
	Amount             string
	Currency           string
	Provider           string
	SwiftCode          string
	BeneficiaryAccount string
}

// Validate checks every field structurally and returns the canonical amount.
func (in CreateInput) Validate() (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(in.Amount)
	if err != nil {
		return decimal.Zero, fault.Validationf("amount", "amount must be a decimal number")
	}
	if !amount.GreaterThan(minAmount) {
		return decimal.Zero, fault.Validationf("amount", "amount must be greater than 0.01")
	}
	if amount.Exponent() < -2 {
		return decimal.Zero, fault.Validationf("amount", "amount must have at most 2 fractional digits")
	}

	if !allowedCurrencies[in.Currency] {
		return decimal.Zero, fault.Validationf("currency", "currency %q is not supported", in.Currency)
	}
	if !allowedProviders[in.Provider] {
		return decimal.Zero, fault.Validationf("provider", "provider %q is not supported", in.Provider)
	}
	if !swiftPattern.MatchString(in.SwiftCode) {
		return decimal.Zero, fault.Validationf("swiftCode", "SWIFT/BIC code must be 8 or 11 characters")
	}
	if !beneficiaryPattern.MatchString(in.BeneficiaryAccount) {
		return decimal.Zero, fault.Validationf("beneficiaryAccount", "beneficiary account is malformed")
	}

	return amount, nil
}
