// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"strings"
	"unicode"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// MinPasswordLength is the minimum accepted password length.
	MinPasswordLength = 8

	// MaxPasswordLength caps input to bound hashing work.
	MaxPasswordLength = 128

	// SpecialCharacters is the fixed set accepted for the special-character
	// requirement.
	SpecialCharacters = `!@#$%^&*()_+-=[]{};':"\|,.<>/?~` + "`"
)

// Requirement names reported in StrengthReport.Failed.
const (
	ReqLength   = "length"
	ReqLower    = "lowercase"
	ReqUpper    = "uppercase"
	ReqDigit    = "digit"
	ReqSpecial  = "special"
	ReqCommon   = "common_password"
	ReqSequence = "character_sequence"
	ReqPersonal = "personal_info"
)

// commonPasswords is a block-list of passwords seen in breach corpora.
// Matching is case-insensitive.
var commonPasswords = map[string]bool{
	"password": true, "password1": true, "password123": true, "passw0rd": true,
	"123456": true, "1234567": true, "12345678": true, "123456789": true,
	"1234567890": true, "qwerty": true, "qwerty123": true, "qwertyuiop": true,
	"abc123": true, "letmein": true, "welcome": true, "welcome1": true,
	"monkey": true, "dragon": true, "master": true, "shadow": true,
	"superman": true, "batman": true, "trustno1": true, "iloveyou": true,
	"sunshine": true, "princess": true, "football": true, "baseball": true,
	"starwars": true, "whatever": true, "admin": true, "admin123": true,
	"root": true, "login": true, "access": true, "secret": true,
	"banking": true, "money": true, "letmein1": true, "changeme": true,
}

// keyboardRows model the sequences the registration variant rejects: runs of
// three or more adjacent characters, forward or reverse.
var keyboardRows = []string{
	"abcdefghijklmnopqrstuvwxyz",
	"qwertyuiop",
	"asdfghjkl",
	"zxcvbnm",
	"0123456789",
}

// =============================================================================
// STRENGTH REPORT
// =============================================================================

// StrengthReport is the result of analyzing one password.
type StrengthReport struct {
	// Score is the percentage of checks passed (0-100). Informational only:
	// registration is all-or-nothing.
	Score int

	// IsStrong is true only when every check passed.
	IsStrong bool

	// Failed names the requirements that did not pass.
	Failed []string
}

// =============================================================================
// ANALYSIS
// =============================================================================

// AnalyzeStrength evaluates the six independent checks used for the
// UI-facing strength meter and password changes. Partial scores are
// presentation detail; callers must not accept a password failing any check.
func AnalyzeStrength(password string) StrengthReport {
	return analyze(password, false, nil)
}

// AnalyzeRegistration evaluates the stricter registration variant: the six
// base checks plus rejection of 3+ character runs (alphabetic, keyboard, or
// digit sequences, forward or reverse, and repeated characters) and obvious
// personal-info substrings such as the username or account number.
func AnalyzeRegistration(password string, personalInfo []string) StrengthReport {
	return analyze(password, true, personalInfo)
}

func analyze(password string, registration bool, personalInfo []string) StrengthReport {
	type check struct {
		name string
		pass bool
	}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(SpecialCharacters, r):
			hasSpecial = true
		}
	}

	// Length counts runes, not bytes: a multibyte character is one character.
	length := len([]rune(password))

	checks := []check{
		{ReqLength, length >= MinPasswordLength && length <= MaxPasswordLength},
		{ReqLower, hasLower},
		{ReqUpper, hasUpper},
		{ReqDigit, hasDigit},
		{ReqSpecial, hasSpecial},
		{ReqCommon, !commonPasswords[strings.ToLower(password)]},
	}

	// The registration variant always carries the stricter checks, even when
	// no personal info is supplied.
	if registration {
		checks = append(checks,
			check{ReqSequence, !containsSequence(password)},
			check{ReqPersonal, !containsPersonalInfo(password, personalInfo)},
		)
	}

	report := StrengthReport{}
	passed := 0
	for _, c := range checks {
		if c.pass {
			passed++
		} else {
			report.Failed = append(report.Failed, c.name)
		}
	}
	report.Score = passed * 100 / len(checks)
	report.IsStrong = passed == len(checks)
	return report
}

// containsSequence reports whether the password contains a run of 3+
// characters from an alphabetic/keyboard/digit sequence (either direction)
// or the same character repeated 3+ times.
func containsSequence(password string) bool {
	lower := strings.ToLower(password)

	// Repeated characters: aaa, 111
	runes := []rune(lower)
	for i := 0; i+2 < len(runes); i++ {
		if runes[i] == runes[i+1] && runes[i] == runes[i+2] {
			return true
		}
	}

	for _, row := range keyboardRows {
		reversed := reverse(row)
		for i := 0; i+3 <= len(row); i++ {
			if strings.Contains(lower, row[i:i+3]) {
				return true
			}
		}
		for i := 0; i+3 <= len(reversed); i++ {
			if strings.Contains(lower, reversed[i:i+3]) {
				return true
			}
		}
	}
	return false
}

// containsPersonalInfo reports whether any personal fragment of 3+ runes
// appears in the password, case-insensitively.
func containsPersonalInfo(password string, personalInfo []string) bool {
	lower := strings.ToLower(password)
	for _, info := range personalInfo {
		info = strings.ToLower(strings.TrimSpace(info))
		if len([]rune(info)) < 3 {
			continue
		}
		if strings.Contains(lower, info) {
			return true
		}
		// Also reject whitespace-separated name parts ("Jane Doe" -> jane, doe).
		for _, part := range strings.Fields(info) {
			if len([]rune(part)) >= 3 && strings.Contains(lower, part) {
				return true
			}
		}
	}
	return false
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}
