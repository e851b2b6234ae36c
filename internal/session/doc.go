// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session provides server-side session management for swiftgate.
//
// Customer and employee sessions live in separate Manager instances sharing
// one contract; the two namespaces never share state. Sessions are ephemeral
// server-side records with a 24-hour absolute TTL. The IdleMonitor layers the
// stricter 30-minute inactivity policy on top: a cancellable, resettable
// timer that warns at fixed thresholds and forces logout at the window end,
// independent of the absolute TTL.
package session
