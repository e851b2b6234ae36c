// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicate is returned when a uniqueness constraint is violated.
	ErrDuplicate = errors.New("storage: duplicate")

	// ErrStaleStatus is returned when a compare-and-swap on transaction
	// status observes a different current status than expected.
	ErrStaleStatus = errors.New("storage: stale status")
)

// =============================================================================
// PRINCIPAL TYPES
// =============================================================================

// PrincipalKind selects which principal table a row lives in. Customer and
// employee principals are intentionally namespaced apart; they never share
// lockout state, sessions, or password history.
type PrincipalKind string

const (
	// KindCustomer is the customer principal namespace.
	KindCustomer PrincipalKind = "customer"

	// KindEmployee is the employee principal namespace.
	KindEmployee PrincipalKind = "employee"
)

// table returns the backing table for the kind.
func (k PrincipalKind) table() string {
	if k == KindEmployee {
		return "employees"
	}
	return "customers"
}

// CredentialRecord is the opaque stored unit for one password: the derived
// hash, its unique salt, and the algorithm parameters that produced it.
// Plaintext never appears here.
type CredentialRecord struct {
	Hash       []byte
	Salt       []byte
	Algorithm  string
	Iterations int
	CreatedAt  time.Time
}

// Principal is one row of either principal table. Customer-only and
// employee-only fields are zero for the other kind.
type Principal struct {
	Kind     PrincipalKind
	ID       string
	FullName string
	Username string
	Role     string

	// Customer fields
	IDNumber      string
	AccountNumber string

	// Employee fields
	EmployeeID  string
	Department  string
	TOTPSecret  string
	TOTPEnabled bool

	Credential    CredentialRecord
	LoginAttempts int
	LockoutUntil  time.Time // zero = not locked
	LastLoginAt   time.Time // zero = never
	IsActive      bool
	CreatedAt     time.Time
}

// IsLocked reports whether the stored lock window extends past now.
func (p *Principal) IsLocked(now time.Time) bool {
	return !p.LockoutUntil.IsZero() && p.LockoutUntil.After(now)
}

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

// TransactionStatus is the lifecycle position of a payment instruction.
// Transitions are strictly forward-only: pending -> verified -> submitted.
type TransactionStatus string

const (
	// StatusPending is the initial status after customer creation.
	StatusPending TransactionStatus = "pending"

	// StatusVerified means an employee has checked the payment details.
	StatusVerified TransactionStatus = "verified"

	// StatusSubmitted is terminal: the instruction has been released to the
	// settlement network flag-wise. There is no un-submit.
	StatusSubmitted TransactionStatus = "submitted"
)

// Transaction is one payment instruction row.
type Transaction struct {
	ID                 string
	CustomerID         string
	Amount             string // decimal string, validated by the ledger
	Currency           string
	Provider           string
	SwiftCode          string
	BeneficiaryAccount string
	Status             TransactionStatus
	VerifiedBy         string    // employee id, set exactly once
	VerifiedAt         time.Time // zero until verified
	SubmittedToSwift   bool
	SubmittedAt        time.Time // zero until submitted
	EmployeeNotes      string
	CreatedAt          time.Time
}

// =============================================================================
// STORE
// =============================================================================

// Store is the SQLite-backed durable store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies the
// schema. Pass ":memory:" for an in-process database in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The attempt counter and status CAS rely on single-connection
	// serialization for in-memory databases; SQLite serializes writers on
	// disk databases regardless.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// TIME HELPERS
// =============================================================================

func toUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromUnix(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(n.Int64, 0).UTC()
}

// isUniqueViolation reports whether err is a SQLite uniqueness error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// =============================================================================
// PRINCIPAL CRUD
// =============================================================================

// CreatePrincipal inserts a principal into its kind's table.
// Returns ErrDuplicate if the username, id number, or employee id is taken.
func (s *Store) CreatePrincipal(ctx context.Context, p *Principal) error {
	var err error
	switch p.Kind {
	case KindEmployee:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO employees (
				id, employee_id, full_name, username, role, department,
				password_hash, password_salt, password_algorithm, password_iterations,
				password_changed_at, login_attempts, lockout_until, last_login_at,
				is_active, totp_secret, totp_enabled, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?, ?, ?, ?)`,
			p.ID, p.EmployeeID, p.FullName, p.Username, p.Role, p.Department,
			p.Credential.Hash, p.Credential.Salt, p.Credential.Algorithm, p.Credential.Iterations,
			p.Credential.CreatedAt.Unix(),
			boolToInt(p.IsActive), p.TOTPSecret, boolToInt(p.TOTPEnabled), p.CreatedAt.Unix())
	default:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO customers (
				id, full_name, id_number, account_number, username, role,
				password_hash, password_salt, password_algorithm, password_iterations,
				password_changed_at, login_attempts, lockout_until, last_login_at,
				is_active, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?, ?)`,
			p.ID, p.FullName, p.IDNumber, p.AccountNumber, p.Username, p.Role,
			p.Credential.Hash, p.Credential.Salt, p.Credential.Algorithm, p.Credential.Iterations,
			p.Credential.CreatedAt.Unix(),
			boolToInt(p.IsActive), p.CreatedAt.Unix())
	}
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert %s: %w", p.Kind, err)
	}
	return nil
}

// PrincipalByUsername loads a principal by username within one namespace.
func (s *Store) PrincipalByUsername(ctx context.Context, kind PrincipalKind, username string) (*Principal, error) {
	return s.principalBy(ctx, kind, "username", username)
}

// PrincipalByID loads a principal by primary key within one namespace.
func (s *Store) PrincipalByID(ctx context.Context, kind PrincipalKind, id string) (*Principal, error) {
	return s.principalBy(ctx, kind, "id", id)
}

// CustomerByIDNumber loads a customer by national identity number.
func (s *Store) CustomerByIDNumber(ctx context.Context, idNumber string) (*Principal, error) {
	return s.principalBy(ctx, KindCustomer, "id_number", idNumber)
}

func (s *Store) principalBy(ctx context.Context, kind PrincipalKind, column, value string) (*Principal, error) {
	p := &Principal{Kind: kind}
	var (
		changedAt             int64
		createdAt             int64
		lockUntil, lastLogin  sql.NullInt64
		isActive, totpEnabled int
	)

	var err error
	if kind == KindEmployee {
		err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT id, employee_id, full_name, username, role, department,
			       password_hash, password_salt, password_algorithm, password_iterations,
			       password_changed_at, login_attempts, lockout_until, last_login_at,
			       is_active, totp_secret, totp_enabled, created_at
			FROM employees WHERE %s = ?`, column), value).Scan(
			&p.ID, &p.EmployeeID, &p.FullName, &p.Username, &p.Role, &p.Department,
			&p.Credential.Hash, &p.Credential.Salt, &p.Credential.Algorithm, &p.Credential.Iterations,
			&changedAt, &p.LoginAttempts, &lockUntil, &lastLogin,
			&isActive, &p.TOTPSecret, &totpEnabled, &createdAt)
	} else {
		err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT id, full_name, id_number, account_number, username, role,
			       password_hash, password_salt, password_algorithm, password_iterations,
			       password_changed_at, login_attempts, lockout_until, last_login_at,
			       is_active, created_at
			FROM customers WHERE %s = ?`, column), value).Scan(
			&p.ID, &p.FullName, &p.IDNumber, &p.AccountNumber, &p.Username, &p.Role,
			&p.Credential.Hash, &p.Credential.Salt, &p.Credential.Algorithm, &p.Credential.Iterations,
			&changedAt, &p.LoginAttempts, &lockUntil, &lastLogin,
			&isActive, &createdAt)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s by %s: %w", kind, column, err)
	}

	p.Credential.CreatedAt = time.Unix(changedAt, 0).UTC()
	p.LockoutUntil = fromUnix(lockUntil)
	p.LastLoginAt = fromUnix(lastLogin)
	p.IsActive = isActive != 0
	p.TOTPEnabled = totpEnabled != 0
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return p, nil
}

// =============================================================================
// LOCKOUT PRIMITIVES
// =============================================================================

// IncrementLoginAttempts atomically bumps the attempt counter and returns the
// new value. The increment-and-read happens in a single statement so two
// concurrent failed logins can never both observe the pre-lock count.
func (s *Store) IncrementLoginAttempts(ctx context.Context, kind PrincipalKind, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE %s SET login_attempts = login_attempts + 1
		WHERE id = ? RETURNING login_attempts`, kind.table()), id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	return attempts, nil
}

// ResetLoginAttempts zeroes the counter and clears any lock window.
// Called unconditionally on successful verification (full forgiveness).
func (s *Store) ResetLoginAttempts(ctx context.Context, kind PrincipalKind, id string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET login_attempts = 0, lockout_until = NULL WHERE id = ?`,
		kind.table()), id)
	if err != nil {
		return fmt.Errorf("failed to reset attempts: %w", err)
	}
	return nil
}

// LockPrincipal sets the lock window end.
func (s *Store) LockPrincipal(ctx context.Context, kind PrincipalKind, id string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET lockout_until = ? WHERE id = ?`, kind.table()),
		until.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to lock principal: %w", err)
	}
	return nil
}

// TouchLastLogin records a successful login timestamp.
func (s *Store) TouchLastLogin(ctx context.Context, kind PrincipalKind, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET last_login_at = ? WHERE id = ?`, kind.table()),
		at.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to touch last login: %w", err)
	}
	return nil
}

// DeactivatePrincipal soft-disables an account. The row (and its audit
// history) stays; authentication refuses it.
func (s *Store) DeactivatePrincipal(ctx context.Context, kind PrincipalKind, id string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET is_active = 0 WHERE id = ?`, kind.table()), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate principal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// CREDENTIAL ROTATION AND HISTORY
// =============================================================================

// UpdateCredential replaces the active credential for a principal.
func (s *Store) UpdateCredential(ctx context.Context, kind PrincipalKind, id string, rec CredentialRecord) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET password_hash = ?, password_salt = ?,
		       password_algorithm = ?, password_iterations = ?, password_changed_at = ?
		WHERE id = ?`, kind.table()),
		rec.Hash, rec.Salt, rec.Algorithm, rec.Iterations, rec.CreatedAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PushPasswordHistory appends a retired credential to the principal's
// history and evicts the oldest entries beyond maxEntries (FIFO).
func (s *Store) PushPasswordHistory(ctx context.Context, kind PrincipalKind, id string, rec CredentialRecord, maxEntries int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_history (principal_kind, principal_id, hash, salt, algorithm, iterations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(kind), id, rec.Hash, rec.Salt, rec.Algorithm, rec.Iterations, rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to push history: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM password_history
		WHERE principal_kind = ? AND principal_id = ? AND id NOT IN (
			SELECT id FROM password_history
			WHERE principal_kind = ? AND principal_id = ?
			ORDER BY id DESC LIMIT ?
		)`, string(kind), id, string(kind), id, maxEntries)
	if err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}
	return nil
}

// PasswordHistory returns the retired credentials for a principal, newest
// first. Each entry carries its own salt and algorithm parameters.
func (s *Store) PasswordHistory(ctx context.Context, kind PrincipalKind, id string) ([]CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, salt, algorithm, iterations, created_at
		FROM password_history
		WHERE principal_kind = ? AND principal_id = ?
		ORDER BY id DESC`, string(kind), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var history []CredentialRecord
	for rows.Next() {
		var rec CredentialRecord
		var createdAt int64
		if err := rows.Scan(&rec.Hash, &rec.Salt, &rec.Algorithm, &rec.Iterations, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		history = append(history, rec)
	}
	return history, rows.Err()
}

// SetEmployeeTOTP stores an employee's TOTP secret and enablement flag.
func (s *Store) SetEmployeeTOTP(ctx context.Context, id, secret string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE employees SET totp_secret = ?, totp_enabled = ? WHERE id = ?`,
		secret, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("failed to set totp: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// TRANSACTION CRUD
// =============================================================================

// CreateTransaction inserts a pending transaction.
func (s *Store) CreateTransaction(ctx context.Context, tx *Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, customer_id, amount, currency, provider, swift_code,
			beneficiary_account, status, verified_by, verified_at,
			submitted_to_swift, submitted_at, employee_notes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, 0, NULL, '', ?)`,
		tx.ID, tx.CustomerID, tx.Amount, tx.Currency, tx.Provider, tx.SwiftCode,
		tx.BeneficiaryAccount, string(tx.Status), tx.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// TransactionByID loads a single transaction.
func (s *Store) TransactionByID(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, amount, currency, provider, swift_code,
		       beneficiary_account, status, verified_by, verified_at,
		       submitted_to_swift, submitted_at, employee_notes, created_at
		FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// TransactionsByCustomer lists a single customer's transactions, newest first.
func (s *Store) TransactionsByCustomer(ctx context.Context, customerID string) ([]*Transaction, error) {
	return s.listTransactions(ctx, `
		SELECT id, customer_id, amount, currency, provider, swift_code,
		       beneficiary_account, status, verified_by, verified_at,
		       submitted_to_swift, submitted_at, employee_notes, created_at
		FROM transactions WHERE customer_id = ? ORDER BY created_at DESC, id`, customerID)
}

// Transactions lists all transactions, optionally filtered by status.
// An empty status means no filter.
func (s *Store) Transactions(ctx context.Context, status TransactionStatus) ([]*Transaction, error) {
	if status == "" {
		return s.listTransactions(ctx, `
			SELECT id, customer_id, amount, currency, provider, swift_code,
			       beneficiary_account, status, verified_by, verified_at,
			       submitted_to_swift, submitted_at, employee_notes, created_at
			FROM transactions ORDER BY created_at DESC, id`)
	}
	return s.listTransactions(ctx, `
		SELECT id, customer_id, amount, currency, provider, swift_code,
		       beneficiary_account, status, verified_by, verified_at,
		       submitted_to_swift, submitted_at, employee_notes, created_at
		FROM transactions WHERE status = ? ORDER BY created_at DESC, id`, string(status))
}

func (s *Store) listTransactions(ctx context.Context, query string, args ...interface{}) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		status                  string
		verifiedBy              sql.NullString
		verifiedAt, submittedAt sql.NullInt64
		submitted               int
		createdAt               int64
	)
	err := row.Scan(&tx.ID, &tx.CustomerID, &tx.Amount, &tx.Currency, &tx.Provider,
		&tx.SwiftCode, &tx.BeneficiaryAccount, &status, &verifiedBy, &verifiedAt,
		&submitted, &submittedAt, &tx.EmployeeNotes, &createdAt)
	if err != nil {
		return nil, err
	}
	tx.Status = TransactionStatus(status)
	tx.VerifiedBy = verifiedBy.String
	tx.VerifiedAt = fromUnix(verifiedAt)
	tx.SubmittedToSwift = submitted != 0
	tx.SubmittedAt = fromUnix(submittedAt)
	tx.CreatedAt = time.Unix(createdAt, 0).UTC()
	return tx, nil
}

// =============================================================================
// STATUS COMPARE-AND-SWAP
// =============================================================================

// MarkVerified moves a transaction from pending to verified, recording the
// verifying employee exactly once. The WHERE clause is the compare half of
// the CAS: if the row is no longer pending, zero rows update and
// ErrStaleStatus is returned with no state change.
func (s *Store) MarkVerified(ctx context.Context, id, employeeID, notes string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = ?, verified_by = ?, verified_at = ?, employee_notes = ?
		WHERE id = ? AND status = ?`,
		string(StatusVerified), employeeID, at.Unix(), notes, id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("failed to mark verified: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleStatus
	}
	return nil
}

// MarkSubmitted moves a transaction from verified to submitted. Only one
// concurrent caller can observe status = verified and win; losers get
// ErrStaleStatus, never corrupted state.
func (s *Store) MarkSubmitted(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = ?, submitted_to_swift = 1, submitted_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusSubmitted), at.Unix(), id, string(StatusVerified))
	if err != nil {
		return fmt.Errorf("failed to mark submitted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleStatus
	}
	return nil
}

// CountByStatus returns the number of transactions in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[TransactionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM transactions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[TransactionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[TransactionStatus(status)] = n
	}
	return counts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
