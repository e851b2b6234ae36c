// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DefaultMaxFileSize is the default max audit file size before rotation (10MB).
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// =============================================================================
// AUDIT EVENT
// =============================================================================

// AuditEvent is a single security audit entry. Actor identifiers are masked
// before logging; plaintext credentials never reach this type.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	Actor     string            `json:"actor,omitempty"`     // masked identifier
	Namespace string            `json:"namespace,omitempty"` // customer / employee
	SourceIP  string            `json:"source_ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ToLogLine formats the event as a single pipe-delimited log line.
func (e *AuditEvent) ToLogLine() string {
	status := "SUCCESS"
	if !e.Success {
		if e.Error != "" {
			status = fmt.Sprintf("ERROR: %s", e.Error)
		} else {
			status = "FAILURE"
		}
	}

	meta := ""
	if len(e.Metadata) > 0 {
		if data, err := json.Marshal(e.Metadata); err == nil {
			meta = string(data)
		}
	}

	return fmt.Sprintf("%s | %s | %s | %s | %s | %s | %s",
		e.Timestamp.Format("2006-01-02 15:04:05"),
		e.EventType,
		e.Namespace,
		e.Actor,
		e.SourceIP,
		status,
		meta,
	)
}

// ToJSON formats the event as JSON.
func (e *AuditEvent) ToJSON() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// =============================================================================
// REDACTION
// =============================================================================

// Redactor replaces sensitive data in audit text.
type Redactor interface {
	Redact(input string) string
	Name() string
}

// PatternRedactor redacts text matching a regex pattern.
type PatternRedactor struct {
	name    string
	pattern *regexp.Regexp
	replace string
}

// NewPatternRedactor creates a new pattern-based redactor.
func NewPatternRedactor(name string, pattern *regexp.Regexp, replace string) *PatternRedactor {
	return &PatternRedactor{name: name, pattern: pattern, replace: replace}
}

// Redact replaces matches with the replacement string.
func (r *PatternRedactor) Redact(input string) string {
	return r.pattern.ReplaceAllString(input, r.replace)
}

// Name returns the redactor name.
func (r *PatternRedactor) Name() string {
	return r.name
}

// secretPatterns covers the secrets that could plausibly leak into audit
// metadata: password fields, session cookies, CSRF tokens, TOTP secrets.
var secretPatterns = []struct {
	name    string
	pattern *regexp.Regexp
	replace string
}{
	{"Password", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*\S+`), "[PASSWORD_REDACTED]"},
	{"SessionCookie", regexp.MustCompile(`(?i)(customer_session|employee_session)\s*[=:]\s*[a-f0-9]{16,}`), "[SESSION_REDACTED]"},
	{"CSRFToken", regexp.MustCompile(`(?i)x-csrf-token\s*[=:]\s*\S+`), "[CSRF_REDACTED]"},
	{"TOTPSecret", regexp.MustCompile(`(?i)(totp[_-]?secret)\s*[=:]\s*[A-Z2-7]{16,}`), "[TOTP_SECRET_REDACTED]"},
	{"Bearer", regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-_.]+`), "Bearer [TOKEN_REDACTED]"},
}

func defaultRedactors() []Redactor {
	redactors := make([]Redactor, 0, len(secretPatterns))
	for _, sp := range secretPatterns {
		redactors = append(redactors, NewPatternRedactor(sp.name, sp.pattern, sp.replace))
	}
	return redactors
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

// AuditLogger provides thread-safe security audit logging with secret
// redaction and size-based rotation. A nil *AuditLogger is valid and
// discards events, which keeps call sites unconditional.
type AuditLogger struct {
	path      string
	file      *os.File
	mu        sync.Mutex
	enabled   bool
	maxSize   int64
	redactors []Redactor
}

// NewAuditLogger creates an audit logger appending to path.
func NewAuditLogger(path string) (*AuditLogger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &AuditLogger{
		path:      path,
		file:      file,
		enabled:   true,
		maxSize:   DefaultMaxFileSize,
		redactors: defaultRedactors(),
	}, nil
}

// Log writes one event, redacting metadata and error text first.
func (l *AuditLogger) Log(event AuditEvent) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for k, v := range event.Metadata {
		event.Metadata[k] = l.redactLocked(v)
	}
	if event.Error != "" {
		event.Error = l.redactLocked(event.Error)
	}

	if err := l.checkRotationLocked(); err != nil {
		return fmt.Errorf("audit rotation failed: %w", err)
	}

	if _, err := fmt.Fprintln(l.file, event.ToLogLine()); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}

	// Sync to disk to ensure durability.
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

// LogEvent records a generic security event.
func (l *AuditLogger) LogEvent(eventType, namespace, actor, sourceIP string, success bool, metadata map[string]string) {
	if l == nil {
		return
	}
	_ = l.Log(AuditEvent{
		EventType: eventType,
		Namespace: namespace,
		Actor:     MaskIdentifier(actor),
		SourceIP:  sourceIP,
		Success:   success,
		Metadata:  metadata,
	})
}

// Redact applies all registered redactors to the input.
func (l *AuditLogger) Redact(input string) string {
	if l == nil {
		return input
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.redactLocked(input)
}

func (l *AuditLogger) redactLocked(input string) string {
	for _, r := range l.redactors {
		input = r.Redact(input)
	}
	return input
}

// AddRedactor registers an additional redactor.
func (l *AuditLogger) AddRedactor(r Redactor) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redactors = append(l.redactors, r)
}

// SetMaxSize overrides the rotation threshold.
func (l *AuditLogger) SetMaxSize(size int64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if size > 0 {
		l.maxSize = size
	}
}

// checkRotationLocked rotates the log file when it exceeds maxSize.
func (l *AuditLogger) checkRotationLocked() error {
	info, err := l.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < l.maxSize {
		return nil
	}

	if err := l.file.Close(); err != nil {
		return err
	}

	rotated := fmt.Sprintf("%s.%s", l.path, time.Now().Format("20060102-150405"))
	if err := os.Rename(l.path, rotated); err != nil {
		return err
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	l.file = file
	return nil
}

// Close flushes and closes the audit file.
func (l *AuditLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = false
	return l.file.Close()
}

// =============================================================================
// IDENTIFIER MASKING
// =============================================================================

// MaskIdentifier produces a consistent, non-reversible form of an actor
// identifier for audit lines. Shows the first 12 hex characters of the
// SHA-256 (48 bits), enough to correlate events without exposing the value.
func MaskIdentifier(id string) string {
	if id == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(id))
	return "hash:" + hex.EncodeToString(hash[:])[:12]
}
