// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the durable store for swiftgate.
//
// It persists principals (customers and employees), their password history,
// and payment transactions in SQLite via the pure-Go modernc.org/sqlite
// driver. The two pieces of state mutated under concurrent access — the
// login-attempt counter and the transaction status — are exposed only through
// atomic read-modify-write primitives (UPDATE ... RETURNING and a
// compare-and-swap on status) so callers never need external locking.
//
// # Key Types
//
//   - Store: the SQLite-backed store
//   - Principal: one row of either principal table
//   - CredentialRecord: an opaque hash+salt+algorithm unit
//   - Transaction: a payment instruction row
//
// # Usage
//
// Open a store and create a principal:
//
//	store, err := storage.Open("swiftgate.db")
//	err = store.CreatePrincipal(ctx, p)
//
// Tests may pass ":memory:" for an in-process database.
package storage
