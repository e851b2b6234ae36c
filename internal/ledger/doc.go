// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ledger owns payment transactions and their lifecycle:
//
//	pending --(employee verify)--> verified --(employee submit)--> submitted
//
// Transitions are strictly forward-only and serialized by a compare-and-swap
// on status in the store; a losing concurrent caller observes a state
// conflict, never corrupted state. Customers create and list their own
// transactions; employees verify, submit, and see everything.
package ledger
