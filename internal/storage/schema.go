// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

// schema is applied on every Open. All statements are idempotent so an
// existing database is never damaged by a restart.
const schema = `
PRAGMA journal_mode = WAL;
PRAGMA busy_timeout = 5000;
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS customers (
    id                  TEXT PRIMARY KEY,
    full_name           TEXT NOT NULL,
    id_number           TEXT NOT NULL UNIQUE,
    account_number      TEXT NOT NULL,
    username            TEXT NOT NULL UNIQUE,
    role                TEXT NOT NULL DEFAULT 'customer',
    password_hash       BLOB NOT NULL,
    password_salt       BLOB NOT NULL,
    password_algorithm  TEXT NOT NULL,
    password_iterations INTEGER NOT NULL,
    password_changed_at INTEGER NOT NULL,
    login_attempts      INTEGER NOT NULL DEFAULT 0,
    lockout_until       INTEGER,
    last_login_at       INTEGER,
    is_active           INTEGER NOT NULL DEFAULT 1,
    created_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS employees (
    id                  TEXT PRIMARY KEY,
    employee_id         TEXT NOT NULL UNIQUE,
    full_name           TEXT NOT NULL,
    username            TEXT NOT NULL UNIQUE,
    role                TEXT NOT NULL DEFAULT 'employee',
    department          TEXT NOT NULL DEFAULT '',
    password_hash       BLOB NOT NULL,
    password_salt       BLOB NOT NULL,
    password_algorithm  TEXT NOT NULL,
    password_iterations INTEGER NOT NULL,
    password_changed_at INTEGER NOT NULL,
    login_attempts      INTEGER NOT NULL DEFAULT 0,
    lockout_until       INTEGER,
    last_login_at       INTEGER,
    is_active           INTEGER NOT NULL DEFAULT 1,
    totp_secret         TEXT NOT NULL DEFAULT '',
    totp_enabled        INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS password_history (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    principal_kind TEXT NOT NULL,
    principal_id   TEXT NOT NULL,
    hash           BLOB NOT NULL,
    salt           BLOB NOT NULL,
    algorithm      TEXT NOT NULL,
    iterations     INTEGER NOT NULL,
    created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_principal
    ON password_history(principal_kind, principal_id);

CREATE TABLE IF NOT EXISTS transactions (
    id                  TEXT PRIMARY KEY,
    customer_id         TEXT NOT NULL REFERENCES customers(id),
    amount              TEXT NOT NULL,
    currency            TEXT NOT NULL,
    provider            TEXT NOT NULL,
    swift_code          TEXT NOT NULL,
    beneficiary_account TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'pending',
    verified_by         TEXT,
    verified_at         INTEGER,
    submitted_to_swift  INTEGER NOT NULL DEFAULT 0,
    submitted_at        INTEGER,
    employee_notes      TEXT NOT NULL DEFAULT '',
    created_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_customer
    ON transactions(customer_id);

CREATE INDEX IF NOT EXISTS idx_transactions_status
    ON transactions(status);
`
