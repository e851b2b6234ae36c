// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/morganforge/swiftgate/internal/fault"
	"github.com/morganforge/swiftgate/internal/security"
	"github.com/morganforge/swiftgate/internal/session"
	"github.com/morganforge/swiftgate/internal/storage"
	"github.com/morganforge/swiftgate/internal/util"
)

// =============================================================================
// SERVICE
// =============================================================================

// Service is the transaction ledger. Every operation takes the acting
// session explicitly — the core carries no ambient "current user" state.
type Service struct {
	store *storage.Store
	audit *security.AuditLogger
}

// NewService creates the ledger service.
func NewService(store *storage.Store, audit *security.AuditLogger) *Service {
	return &Service{store: store, audit: audit}
}

// requireCustomer asserts the actor is a customer session.
func requireCustomer(sess *session.Session) error {
	if sess == nil || sess.Namespace != "customer" {
		return fault.New(fault.Authorization, "operation requires a customer session")
	}
	return nil
}

// requireEmployee asserts the actor is an employee session.
func requireEmployee(sess *session.Session) error {
	if sess == nil || sess.Namespace != "employee" {
		return fault.New(fault.Authorization, "operation requires an employee session")
	}
	return nil
}

// =============================================================================
// CREATE
// =============================================================================

// Create records a new payment instruction owned by the acting customer.
// The transaction starts pending with no employee fields set.
func (s *Service) Create(ctx context.Context, sess *session.Session, in CreateInput, sourceIP string) (*storage.Transaction, error) {
	if err := requireCustomer(sess); err != nil {
		return nil, err
	}

	amount, err := in.Validate()
	if err != nil {
		return nil, err
	}

	tx := &storage.Transaction{
		ID:                 uuid.NewString(),
		CustomerID:         sess.PrincipalID,
		Amount:             amount.StringFixed(2),
		Currency:           in.Currency,
		Provider:           in.Provider,
		SwiftCode:          in.SwiftCode,
		BeneficiaryAccount: in.BeneficiaryAccount,
		Status:             storage.StatusPending,
		CreatedAt:          time.Now().UTC(),
	}

	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fault.Internalf(err, "failed to create transaction")
	}

	s.audit.LogEvent("TRANSACTION_CREATED", sess.Namespace, sess.Username, sourceIP, true, map[string]string{
		"transaction_id": tx.ID,
		"currency":       tx.Currency,
		"provider":       tx.Provider,
	})
	return tx, nil
}

// =============================================================================
// LISTING
// =============================================================================

// ListForCustomer returns the acting customer's own transactions, and only
// those: scope is enforced by query, so no amount of id guessing widens it.
func (s *Service) ListForCustomer(ctx context.Context, sess *session.Session) ([]*storage.Transaction, error) {
	if err := requireCustomer(sess); err != nil {
		return nil, err
	}
	txs, err := s.store.TransactionsByCustomer(ctx, sess.PrincipalID)
	if err != nil {
		return nil, fault.Internalf(err, "failed to list transactions")
	}
	return txs, nil
}

// List returns transactions across all customers, optionally filtered by
// status. Employee only.
func (s *Service) List(ctx context.Context, sess *session.Session, statusFilter string) ([]*storage.Transaction, error) {
	if err := requireEmployee(sess); err != nil {
		return nil, err
	}

	var status storage.TransactionStatus
	switch statusFilter {
	case "":
		// no filter
	case string(storage.StatusPending), string(storage.StatusVerified), string(storage.StatusSubmitted):
		status = storage.TransactionStatus(statusFilter)
	default:
		return nil, fault.Validationf("status", "unknown status %q", statusFilter)
	}

	txs, err := s.store.Transactions(ctx, status)
	if err != nil {
		return nil, fault.Internalf(err, "failed to list transactions")
	}
	return txs, nil
}

// =============================================================================
// VERIFY
// =============================================================================

// Verify moves a pending transaction to verified, recording the verifying
// employee exactly once. Re-verifying is an error, not a no-op: silent
// double-processing is precisely what the state machine exists to prevent.
func (s *Service) Verify(ctx context.Context, sess *session.Session, transactionID, notes, sourceIP string) (*storage.Transaction, error) {
	if err := requireEmployee(sess); err != nil {
		return nil, err
	}

	tx, err := s.store.TransactionByID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fault.New(fault.NotFound, "transaction not found")
		}
		return nil, fault.Internalf(err, "failed to load transaction")
	}

	if tx.Status != storage.StatusPending {
		return nil, fault.New(fault.StateConflict, "transaction must be pending to verify; current status is %s", tx.Status)
	}

	notes = util.TruncateRunesNoEllipsis(notes, MaxNotesLength)
	if err := s.store.MarkVerified(ctx, transactionID, sess.PrincipalID, notes, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrStaleStatus) {
			// Lost the race: someone verified (or further) in between.
			return nil, fault.New(fault.StateConflict, "transaction must be pending to verify")
		}
		return nil, fault.Internalf(err, "failed to verify transaction")
	}

	s.audit.LogEvent("TRANSACTION_VERIFIED", sess.Namespace, sess.Username, sourceIP, true, map[string]string{
		"transaction_id": transactionID,
	})

	return s.reload(ctx, transactionID)
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit releases a verified transaction to the settlement network flag.
// Irreversible: there is no un-submit.
func (s *Service) Submit(ctx context.Context, sess *session.Session, transactionID, sourceIP string) (*storage.Transaction, error) {
	if err := requireEmployee(sess); err != nil {
		return nil, err
	}

	tx, err := s.store.TransactionByID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fault.New(fault.NotFound, "transaction not found")
		}
		return nil, fault.Internalf(err, "failed to load transaction")
	}

	switch tx.Status {
	case storage.StatusPending:
		return nil, fault.New(fault.StateConflict, "transaction must be verified before submitting")
	case storage.StatusSubmitted:
		return nil, fault.New(fault.StateConflict, "transaction already submitted")
	}

	if err := s.store.MarkSubmitted(ctx, transactionID, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrStaleStatus) {
			// Only one concurrent submit can observe "verified" and win.
			return nil, fault.New(fault.StateConflict, "transaction already submitted")
		}
		return nil, fault.Internalf(err, "failed to submit transaction")
	}

	s.audit.LogEvent("TRANSACTION_SUBMITTED", sess.Namespace, sess.Username, sourceIP, true, map[string]string{
		"transaction_id": transactionID,
	})

	return s.reload(ctx, transactionID)
}

// BulkResult reports a bulk submission.
type BulkResult struct {
	// SubmittedCount is how many transactions actually moved to submitted.
	SubmittedCount int `json:"submittedCount"`

	// SkippedIDs lists requested transactions that were not eligible
	// (missing or not in verified state). The batch succeeds partially by
	// design; skipped entries are reported, not errored.
	SkippedIDs []string `json:"skippedIds,omitempty"`
}

// SubmitBulk submits every requested transaction currently in verified
// state. Ineligible entries are skipped silently per entry; an entirely
// ineligible batch fails.
func (s *Service) SubmitBulk(ctx context.Context, sess *session.Session, transactionIDs []string, sourceIP string) (*BulkResult, error) {
	if err := requireEmployee(sess); err != nil {
		return nil, err
	}
	if len(transactionIDs) == 0 {
		return nil, fault.Validationf("transactionIds", "no transaction ids provided")
	}

	result := &BulkResult{}
	now := time.Now().UTC()
	for _, id := range transactionIDs {
		// The CAS carries the eligibility check; a missing row and a wrong
		// state land in the same skipped bucket.
		err := s.store.MarkSubmitted(ctx, id, now)
		switch {
		case err == nil:
			result.SubmittedCount++
		case errors.Is(err, storage.ErrStaleStatus):
			result.SkippedIDs = append(result.SkippedIDs, id)
		default:
			return nil, fault.Internalf(err, "failed to submit transaction %s", id)
		}
	}

	if result.SubmittedCount == 0 {
		return nil, fault.New(fault.StateConflict, "no eligible transactions in batch")
	}

	s.audit.LogEvent("TRANSACTION_BULK_SUBMITTED", sess.Namespace, sess.Username, sourceIP, true, map[string]string{
		"submitted_count": strconv.Itoa(result.SubmittedCount),
	})
	return result, nil
}

// =============================================================================
// STATS
// =============================================================================

// Stats is the aggregate ledger view for the employee dashboard.
type Stats struct {
	Pending     int    `json:"pending"`
	Verified    int    `json:"verified"`
	Submitted   int    `json:"submitted"`
	TotalAmount string `json:"totalAmount"`
}

// Stats aggregates counts and the total amount across all transactions.
// Visible to any authenticated employee.
func (s *Service) Stats(ctx context.Context, sess *session.Session) (*Stats, error) {
	if err := requireEmployee(sess); err != nil {
		return nil, err
	}

	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, fault.Internalf(err, "failed to aggregate transactions")
	}

	txs, err := s.store.Transactions(ctx, "")
	if err != nil {
		return nil, fault.Internalf(err, "failed to aggregate transactions")
	}
	total := decimal.Zero
	for _, tx := range txs {
		amount, err := decimal.NewFromString(tx.Amount)
		if err != nil {
			return nil, fault.Internalf(err, "stored amount %q is corrupt", tx.Amount)
		}
		total = total.Add(amount)
	}

	return &Stats{
		Pending:     counts[storage.StatusPending],
		Verified:    counts[storage.StatusVerified],
		Submitted:   counts[storage.StatusSubmitted],
		TotalAmount: total.StringFixed(2),
	}, nil
}

func (s *Service) reload(ctx context.Context, id string) (*storage.Transaction, error) {
	tx, err := s.store.TransactionByID(ctx, id)
	if err != nil {
		return nil, fault.Internalf(err, "failed to reload transaction")
	}
	return tx, nil
}
