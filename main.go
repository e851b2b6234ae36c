// swiftgate - secure two-portal international payments gateway.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/morganforge/swiftgate/internal/config"
	"github.com/morganforge/swiftgate/internal/ledger"
	"github.com/morganforge/swiftgate/internal/security"
	"github.com/morganforge/swiftgate/internal/server"
	"github.com/morganforge/swiftgate/internal/session"
	"github.com/morganforge/swiftgate/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "swiftgate.toml", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("swiftgate %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	// liveCfg is the single source of runtime toggles; the watcher swaps it
	// so the TOTP requirement and CSRF enforcement follow the file.
	var liveCfg atomic.Pointer[config.Config]
	liveCfg.Store(cfg)

	logger := log.New(os.Stderr, "", 0)

	audit, err := security.NewAuditLogger(cfg.Security.AuditLogPath)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	defer audit.Close()

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()

	// Security core.
	creds := security.NewCredentialStore(cfg.Security.PBKDF2Iterations)
	lockout := security.NewLockoutGuard(store, audit, map[storage.PrincipalKind]security.LockoutPolicy{
		storage.KindCustomer: {
			MaxAttempts:  cfg.Lockout.CustomerMaxAttempts,
			LockDuration: cfg.LockDuration(),
		},
		storage.KindEmployee: {
			MaxAttempts:  cfg.Lockout.EmployeeMaxAttempts,
			LockDuration: cfg.LockDuration(),
			WarnAt:       cfg.Lockout.EmployeeWarnAt,
		},
	}, cfg.Lockout.BruteforcePerMinute)

	auth := security.NewAuthService(store, creds, lockout, audit,
		cfg.Security.PasswordHistoryLimit, func() bool {
			return liveCfg.Load().Security.EmployeeTOTP
		})

	customerSessions := session.NewManager("customer", cfg.SessionTTL())
	employeeSessions := session.NewManager("employee", cfg.SessionTTL())

	// Inactivity logout is tighter than the absolute TTL: each resolved
	// request resets the window, silence for the full window destroys the
	// session through the same path as an explicit logout.
	idleWarn := func(namespace string) func(string, session.IdleStage, time.Duration) {
		return func(sessionID string, stage session.IdleStage, remaining time.Duration) {
			audit.LogEvent("SESSION_IDLE_"+stage.String(), namespace, "", "", false, map[string]string{
				"remaining": remaining.Round(time.Second).String(),
			})
		}
	}
	customerSessions.EnableIdleLogout(cfg.IdleLogout(), idleWarn("customer"))
	employeeSessions.EnableIdleLogout(cfg.IdleLogout(), idleWarn("employee"))

	customerSessions.StartReaper(session.DefaultReapInterval)
	employeeSessions.StartReaper(session.DefaultReapInterval)
	defer customerSessions.Close()
	defer employeeSessions.Close()

	// CSRF tokens die with their session, whichever namespace owns it.
	csrf := security.NewCSRFGuard()
	customerSessions.SetDestroyCallback(csrf.Invalidate)
	employeeSessions.SetDestroyCallback(csrf.Invalidate)

	srv := server.NewServer(cfg, server.Deps{
		Auth:             auth,
		Ledger:           ledger.NewService(store, audit),
		CustomerSessions: customerSessions,
		EmployeeSessions: employeeSessions,
		CSRF:             csrf,
		Audit:            audit,
		Logger:           logger,
	})

	// Hot-reload runtime toggles on config file changes. A missing watcher
	// degrades to restart-to-reconfigure, not a startup failure.
	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		liveCfg.Store(next)
		srv.ApplyConfig(next)
	})
	if err != nil {
		logger.Printf("CONFIG_WATCHER: disabled: %v", err)
	} else if err := watcher.Watch(); err != nil {
		logger.Printf("CONFIG_WATCHER: disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Printf("SERVER_SHUTDOWN | signal=%s", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
