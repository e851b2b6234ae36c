// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, EnvProduction, cfg.Environment)
	require.True(t, cfg.Security.CSRFEnforced)
	require.Equal(t, 5, cfg.Lockout.CustomerMaxAttempts)
	require.Equal(t, 6, cfg.Lockout.EmployeeMaxAttempts)
	require.Equal(t, 30*time.Minute, cfg.LockDuration())
	require.Equal(t, 24*time.Hour, cfg.SessionTTL())
	require.Equal(t, 30*time.Minute, cfg.IdleLogout())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swiftgate.toml")

	cfg := Default()
	cfg.Server.Port = 9000
	cfg.Lockout.CustomerMaxAttempts = 4
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9000, loaded.Server.Port)
	require.Equal(t, 4, loaded.Lockout.CustomerMaxAttempts)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("environment = [broken"), 0600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown environment", func(c *Config) { c.Environment = "staging" }},
		{"port too low", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"empty storage path", func(c *Config) { c.Storage.Path = "" }},
		{"csrf off in production", func(c *Config) { c.Security.CSRFEnforced = false }},
		{"csrf off in development", func(c *Config) {
			c.Environment = EnvDevelopment
			c.Security.CSRFEnforced = false
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestCSRFMayOnlyRelaxInTest(t *testing.T) {
	cfg := Default()
	cfg.Environment = EnvTest
	cfg.Security.CSRFEnforced = false
	require.NoError(t, cfg.Validate())
}

func TestValidateClampsTunables(t *testing.T) {
	cfg := Default()
	cfg.Security.PBKDF2Iterations = 1000
	cfg.Security.PasswordHistoryLimit = 99
	cfg.Lockout.LockMinutes = 100000
	cfg.Session.TTLHours = 1000
	require.NoError(t, cfg.Validate())

	require.Equal(t, 600_000, cfg.Security.PBKDF2Iterations)
	require.Equal(t, 5, cfg.Security.PasswordHistoryLimit)
	require.Equal(t, 24*60, cfg.Lockout.LockMinutes)
	require.Equal(t, 24, cfg.Session.TTLHours)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SWIFTGATE_ENVIRONMENT", EnvTest)
	t.Setenv("SWIFTGATE_PORT", "9999")
	t.Setenv("SWIFTGATE_CSRF_ENFORCED", "false")
	t.Setenv("SWIFTGATE_DB_PATH", ":memory:")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	require.Equal(t, EnvTest, cfg.Environment)
	require.Equal(t, 9999, cfg.Server.Port)
	require.False(t, cfg.Security.CSRFEnforced)
	require.Equal(t, ":memory:", cfg.Storage.Path)
	require.NoError(t, cfg.Validate())
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swiftgate.toml")

	cfg := Default()
	require.NoError(t, cfg.Save(path))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(next *Config) {
		select {
		case reloaded <- next:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Watch())

	cfg.Server.Port = 9001
	require.NoError(t, cfg.Save(path))

	select {
	case next := <-reloaded:
		require.Equal(t, 9001, next.Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never delivered the reload")
	}
}

func TestWatcherRejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swiftgate.toml")

	cfg := Default()
	require.NoError(t, cfg.Save(path))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(next *Config) {
		select {
		case reloaded <- next:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Watch())

	// A weakened config never reaches the callback.
	require.NoError(t, os.WriteFile(path, []byte(`environment = "bogus"`), 0600))

	select {
	case next := <-reloaded:
		t.Fatalf("invalid config delivered: %+v", next)
	case <-time.After(time.Second):
		// expected: reload rejected, previous config stays in effect
	}
}
