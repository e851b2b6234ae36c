// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/morganforge/swiftgate/internal/storage"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// AlgorithmPBKDF2SHA256 identifies the only hashing algorithm currently
	// produced. Stored per record so the cost can be raised without
	// invalidating existing credentials.
	AlgorithmPBKDF2SHA256 = "pbkdf2-sha256"

	// SaltSize is the size of the per-credential random salt (32 bytes).
	// Salts are never reused across users or password changes.
	SaltSize = 32

	// KeySize is the size of the derived key (32 bytes / 256 bits).
	KeySize = 32

	// MinIterations is the floor for the PBKDF2 cost.
	// OWASP 2023 recommends 600,000+ for PBKDF2-SHA-256 to provide adequate
	// resistance against brute-force attacks with modern hardware.
	MinIterations = 600_000
)

// ZeroBytes securely zeros sensitive byte slices to prevent memory disclosure.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// =============================================================================
// CREDENTIAL STORE
// =============================================================================

// CredentialStore owns password hashing and verification. It is stateless;
// the records it produces are persisted by the caller.
type CredentialStore struct {
	iterations int
}

// NewCredentialStore creates a credential store with the given PBKDF2 cost.
// Costs below MinIterations are raised to it.
func NewCredentialStore(iterations int) *CredentialStore {
	if iterations < MinIterations {
		iterations = MinIterations
	}
	return &CredentialStore{iterations: iterations}
}

// Hash derives a credential record from a plaintext password and a freshly
// generated salt. Hashing is deliberately slow (the cost is the defense);
// a random-source failure is fatal for the request — no credential may be
// stored without a unique salt.
func (c *CredentialStore) Hash(password string) (storage.CredentialRecord, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return storage.CredentialRecord{}, fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := pbkdf2.Key([]byte(password), salt, c.iterations, KeySize, sha256.New)
	return storage.CredentialRecord{
		Hash:       hash,
		Salt:       salt,
		Algorithm:  AlgorithmPBKDF2SHA256,
		Iterations: c.iterations,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Verify re-derives the candidate against the stored salt and parameters and
// compares in constant time. A mismatch is a normal negative result, never
// an error path.
func (c *CredentialStore) Verify(password string, rec storage.CredentialRecord) bool {
	if rec.Algorithm != AlgorithmPBKDF2SHA256 || len(rec.Salt) == 0 || len(rec.Hash) == 0 {
		return false
	}
	iterations := rec.Iterations
	if iterations <= 0 {
		return false
	}

	derived := pbkdf2.Key([]byte(password), rec.Salt, iterations, len(rec.Hash), sha256.New)
	defer ZeroBytes(derived)

	return subtle.ConstantTimeCompare(derived, rec.Hash) == 1
}

// InHistory re-verifies the candidate against each retired credential.
// Returns true (reject) on any match; each entry carries its own salt and
// parameters, so every check pays the full derivation cost.
func (c *CredentialStore) InHistory(candidate string, history []storage.CredentialRecord) bool {
	for _, rec := range history {
		if c.Verify(candidate, rec) {
			return true
		}
	}
	return false
}
