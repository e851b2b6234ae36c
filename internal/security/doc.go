// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security implements the authentication core of swiftgate:
// credential hashing and verification, password strength and history policy,
// the failed-login lockout state machine, CSRF token issuance and
// verification, the TOTP second factor, and the security audit log.
//
// The package is deliberately free of HTTP concerns. Callers resolve the
// acting principal at the request boundary and pass it in explicitly; there
// is no ambient "current user" state anywhere in the core.
package security
