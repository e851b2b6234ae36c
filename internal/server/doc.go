// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server is the HTTP boundary of swiftgate.
//
// It owns everything HTTP-shaped: routing, cookies, the CSRF header
// contract, JSON encoding, and the mapping from fault kinds to status
// codes. No business rule lives here; handlers validate shape, resolve the
// acting session, and delegate to the security and ledger services.
//
// Endpoints are split into two portals that never share sessions:
//
//	/api/customer/... customer_session cookie
//	/api/employee/... employee_session cookie
//
// Every mutating request (POST and friends) must carry an X-CSRF-Token
// header matching the token bound to its session.
package server
