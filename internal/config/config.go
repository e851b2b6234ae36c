// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/morganforge/swiftgate/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Environment names. CSRF enforcement may only be disabled under EnvTest.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// Config represents the complete swiftgate configuration.
type Config struct {
	// Environment is one of "production", "development", "test".
	Environment string `toml:"environment"`

	Server   ServerConfig   `toml:"server"`
	Security SecurityConfig `toml:"security"`
	Lockout  LockoutConfig  `toml:"lockout"`
	Session  SessionConfig  `toml:"session"`
	Storage  StorageConfig  `toml:"storage"`
}

// ServerConfig contains the HTTP boundary configuration.
type ServerConfig struct {
	// Port is the listen port.
	Port int `toml:"port"`
	// MaxRequestBodyBytes caps request bodies read by handlers.
	MaxRequestBodyBytes int64 `toml:"max_request_body_bytes"`
	// SecureCookies marks session cookies Secure (TLS-only transport).
	SecureCookies bool `toml:"secure_cookies"`
}

// SecurityConfig contains credential and CSRF policy.
type SecurityConfig struct {
	// CSRFEnforced requires a valid X-CSRF-Token header on every mutating
	// request. Disabling it is refused outside the "test" environment.
	CSRFEnforced bool `toml:"csrf_enforced"`
	// EmployeeTOTP requires a TOTP code at employee login once enrolled.
	EmployeeTOTP bool `toml:"employee_totp"`
	// PBKDF2Iterations is the credential hashing cost.
	// OWASP 2023 recommends 600,000+ for PBKDF2-SHA-256.
	PBKDF2Iterations int `toml:"pbkdf2_iterations"`
	// PasswordHistoryLimit caps stored retired credentials per principal.
	PasswordHistoryLimit int `toml:"password_history_limit"`
	// AuditLogPath is where security audit events are written.
	AuditLogPath string `toml:"audit_log_path"`
}

// LockoutConfig contains the failed-login lockout policy. Customers and
// employees carry separate ceilings; the historical divergence (5 vs 6) is
// configuration, not duplicated code.
type LockoutConfig struct {
	// CustomerMaxAttempts is the customer lockout ceiling.
	CustomerMaxAttempts int `toml:"customer_max_attempts"`
	// EmployeeMaxAttempts is the employee lockout ceiling.
	EmployeeMaxAttempts int `toml:"employee_max_attempts"`
	// EmployeeWarnAt emits a warning audit event at this attempt count.
	// 0 disables the warning.
	EmployeeWarnAt int `toml:"employee_warn_at"`
	// LockMinutes is the lock window after the ceiling is reached.
	LockMinutes int `toml:"lock_minutes"`
	// BruteforcePerMinute throttles verification attempts per identifier
	// ahead of the hashing work. 0 disables the guard.
	BruteforcePerMinute int `toml:"bruteforce_per_minute"`
}

// SessionConfig contains session lifecycle configuration.
type SessionConfig struct {
	// TTLHours is the absolute server-side session lifetime.
	TTLHours int `toml:"ttl_hours"`
	// IdleLogoutMinutes is the client-facing inactivity window enforced by
	// the idle monitor. Tighter than the absolute TTL in normal usage.
	IdleLogoutMinutes int `toml:"idle_logout_minutes"`
}

// StorageConfig contains the durable store configuration.
type StorageConfig struct {
	// Path is the SQLite database path; ":memory:" for tests.
	Path string `toml:"path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment: EnvProduction,
		Server: ServerConfig{
			Port:                8443,
			MaxRequestBodyBytes: 1 * 1024 * 1024,
			SecureCookies:       true,
		},
		Security: SecurityConfig{
			CSRFEnforced:         true,
			EmployeeTOTP:         false,
			PBKDF2Iterations:     600_000,
			PasswordHistoryLimit: 5,
			AuditLogPath:         "swiftgate_audit.log",
		},
		Lockout: LockoutConfig{
			CustomerMaxAttempts: 5,
			EmployeeMaxAttempts: 6,
			EmployeeWarnAt:      5,
			LockMinutes:         30,
			BruteforcePerMinute: 30,
		},
		Session: SessionConfig{
			TTLHours:          24,
			IdleLogoutMinutes: 30,
		},
		Storage: StorageConfig{
			Path: "swiftgate.db",
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads configuration from path (if it exists), applies environment
// overrides, and validates. A missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Defaults apply.
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays SWIFTGATE_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if env := os.Getenv("SWIFTGATE_ENVIRONMENT"); env != "" {
		c.Environment = env
	}
	if port := os.Getenv("SWIFTGATE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if path := os.Getenv("SWIFTGATE_DB_PATH"); path != "" {
		c.Storage.Path = path
	}
	if path := os.Getenv("SWIFTGATE_AUDIT_LOG"); path != "" {
		c.Security.AuditLogPath = path
	}
	if v := os.Getenv("SWIFTGATE_CSRF_ENFORCED"); v != "" {
		c.Security.CSRFEnforced = v == "true" || v == "1"
	}
	if v := os.Getenv("SWIFTGATE_EMPLOYEE_TOTP"); v != "" {
		c.Security.EmployeeTOTP = v == "true" || v == "1"
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration, clamping tunables to safe bounds and
// rejecting combinations that would silently weaken security.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvProduction, EnvDevelopment, EnvTest:
	default:
		return fmt.Errorf("invalid environment %q", c.Environment)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Server.MaxRequestBodyBytes <= 0 {
		c.Server.MaxRequestBodyBytes = 1 * 1024 * 1024
	}

	// CSRF relaxation is a test-only override, never an environment drift.
	if !c.Security.CSRFEnforced && c.Environment != EnvTest {
		return errors.New("csrf enforcement cannot be disabled outside the test environment")
	}

	// SECURITY: Never allow the hashing cost below the OWASP floor.
	if c.Security.PBKDF2Iterations < 600_000 {
		c.Security.PBKDF2Iterations = 600_000
	}
	if c.Security.PasswordHistoryLimit < 1 {
		c.Security.PasswordHistoryLimit = 1
	}
	if c.Security.PasswordHistoryLimit > 5 {
		c.Security.PasswordHistoryLimit = 5
	}

	if c.Lockout.CustomerMaxAttempts < 1 {
		c.Lockout.CustomerMaxAttempts = 1
	}
	if c.Lockout.EmployeeMaxAttempts < 1 {
		c.Lockout.EmployeeMaxAttempts = 1
	}
	if c.Lockout.LockMinutes < 1 {
		c.Lockout.LockMinutes = 1
	}
	if c.Lockout.LockMinutes > 24*60 {
		c.Lockout.LockMinutes = 24 * 60
	}

	if c.Session.TTLHours < 1 {
		c.Session.TTLHours = 1
	}
	if c.Session.TTLHours > 24 {
		c.Session.TTLHours = 24
	}
	if c.Session.IdleLogoutMinutes < 1 {
		c.Session.IdleLogoutMinutes = 1
	}

	if c.Storage.Path == "" {
		return errors.New("storage path must not be empty")
	}

	return nil
}

// =============================================================================
// DERIVED DURATIONS
// =============================================================================

// LockDuration returns the lock window as a duration.
func (c *Config) LockDuration() time.Duration {
	return time.Duration(c.Lockout.LockMinutes) * time.Minute
}

// SessionTTL returns the absolute session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLHours) * time.Hour
}

// IdleLogout returns the inactivity logout window.
func (c *Config) IdleLogout() time.Duration {
	return time.Duration(c.Session.IdleLogoutMinutes) * time.Minute
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes the configuration to path atomically.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0600)
}
