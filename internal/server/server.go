// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/morganforge/swiftgate/internal/config"
	"github.com/morganforge/swiftgate/internal/fault"
	"github.com/morganforge/swiftgate/internal/ledger"
	"github.com/morganforge/swiftgate/internal/security"
	"github.com/morganforge/swiftgate/internal/session"
	"github.com/morganforge/swiftgate/internal/storage"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// CustomerCookie and EmployeeCookie name the two session cookies. The
	// portals are namespaced apart down to the cookie name: a customer
	// session cookie presented to an employee route resolves to nothing.
	CustomerCookie = "customer_session"
	EmployeeCookie = "employee_session"

	// CSRFHeader carries the per-session CSRF token on mutating requests.
	CSRFHeader = "X-CSRF-Token"

	// shutdownTimeout bounds graceful drain on Shutdown.
	shutdownTimeout = 10 * time.Second
)

// ============================================================================
// SERVER
// ============================================================================

// Deps are the wired collaborators the server delegates to.
type Deps struct {
	Auth             *security.AuthService
	Ledger           *ledger.Service
	CustomerSessions *session.Manager
	EmployeeSessions *session.Manager
	CSRF             *security.CSRFGuard
	Audit            *security.AuditLogger
	Logger           *log.Logger
}

// Server is the HTTP API server for both portals.
type Server struct {
	cfg atomic.Pointer[config.Config]

	auth             *security.AuthService
	ledger           *ledger.Service
	customerSessions *session.Manager
	employeeSessions *session.Manager
	csrf             *security.CSRFGuard
	audit            *security.AuditLogger
	logger           *log.Logger

	router *mux.Router
	server *http.Server
}

// NewServer creates the server with the given configuration and
// collaborators. Call Start to begin serving.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}

	s := &Server{
		auth:             deps.Auth,
		ledger:           deps.Ledger,
		customerSessions: deps.CustomerSessions,
		employeeSessions: deps.EmployeeSessions,
		csrf:             deps.CSRF,
		audit:            deps.Audit,
		logger:           deps.Logger,
	}
	s.cfg.Store(cfg)
	s.setupRoutes()
	return s
}

// ApplyConfig swaps in a new configuration. Used by the config watcher to
// flip runtime toggles (CSRF enforcement, employee TOTP) without a restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
}

// Handler returns the fully wrapped HTTP handler; exposed for tests.
func (s *Server) Handler() http.Handler {
	chain := Chain(
		RecoveryMiddleware(),
		LoggingMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		s.bodyLimitMiddleware(),
	)
	return chain(s.router)
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	cfg := s.cfg.Load()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Printf("SERVER_START | port=%d environment=%s", cfg.Server.Port, cfg.Environment)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Customer portal.
	customer := r.PathPrefix("/api/customer").Subrouter()
	customer.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	customer.HandleFunc("/login", s.handleLogin(storage.KindCustomer)).Methods(http.MethodPost)
	customer.HandleFunc("/logout", s.handleLogout(s.customerSessions, CustomerCookie)).Methods(http.MethodPost)

	customerAuthed := customer.NewRoute().Subrouter()
	customerAuthed.Use(s.requireSession(s.customerSessions, CustomerCookie))
	customerAuthed.Use(s.csrfMiddleware())
	customerAuthed.HandleFunc("/csrf-token", s.handleCSRFToken).Methods(http.MethodGet)
	customerAuthed.HandleFunc("/security-status", s.handleSecurityStatus(storage.KindCustomer)).Methods(http.MethodGet)
	customerAuthed.HandleFunc("/password", s.handleRotatePassword(storage.KindCustomer)).Methods(http.MethodPost)
	customerAuthed.HandleFunc("/transactions", s.handleCreateTransaction).Methods(http.MethodPost)
	customerAuthed.HandleFunc("/transactions", s.handleListOwnTransactions).Methods(http.MethodGet)

	// Employee portal.
	employee := r.PathPrefix("/api/employee").Subrouter()
	employee.HandleFunc("/login", s.handleLogin(storage.KindEmployee)).Methods(http.MethodPost)
	employee.HandleFunc("/logout", s.handleLogout(s.employeeSessions, EmployeeCookie)).Methods(http.MethodPost)

	employeeAuthed := employee.NewRoute().Subrouter()
	employeeAuthed.Use(s.requireSession(s.employeeSessions, EmployeeCookie))
	employeeAuthed.Use(s.csrfMiddleware())
	employeeAuthed.HandleFunc("/csrf-token", s.handleCSRFToken).Methods(http.MethodGet)
	employeeAuthed.HandleFunc("/security-status", s.handleSecurityStatus(storage.KindEmployee)).Methods(http.MethodGet)
	employeeAuthed.HandleFunc("/password", s.handleRotatePassword(storage.KindEmployee)).Methods(http.MethodPost)
	employeeAuthed.HandleFunc("/totp/enroll", s.handleTOTPEnroll).Methods(http.MethodPost)
	employeeAuthed.HandleFunc("/totp/activate", s.handleTOTPActivate).Methods(http.MethodPost)
	employeeAuthed.HandleFunc("/transactions", s.handleListTransactions).Methods(http.MethodGet)
	employeeAuthed.HandleFunc("/transactions/{id}/verify", s.handleVerify).Methods(http.MethodPost)
	employeeAuthed.HandleFunc("/transactions/{id}/submit", s.handleSubmit).Methods(http.MethodPost)
	employeeAuthed.HandleFunc("/transactions/bulk-submit", s.handleBulkSubmit).Methods(http.MethodPost)
	employeeAuthed.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.router = r
}

// ============================================================================
// SESSION AND CSRF MIDDLEWARE
// ============================================================================

// requireSession resolves the namespace's cookie to a live session and
// attaches it to the request context. Anonymous requests are answered 401.
func (s *Server) requireSession(manager *session.Manager, cookieName string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(cookieName)
			if err != nil {
				writeFault(w, fault.Authenticationf(-1, "authentication required"))
				return
			}

			sess, ok := manager.Resolve(cookie.Value)
			if !ok {
				writeFault(w, fault.Authenticationf(-1, "session expired or invalid"))
				return
			}

			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sess)))
		})
	}
}

// csrfMiddleware verifies the X-CSRF-Token header on mutating methods.
// Safe methods (GET, HEAD, OPTIONS) pass through: they must not change
// state, so a forged one gains nothing.
func (s *Server) csrfMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			if !s.cfg.Load().Security.CSRFEnforced {
				next.ServeHTTP(w, r)
				return
			}

			sess := SessionFromContext(r.Context())
			if sess == nil || !s.csrf.Verify(sess.ID, r.Header.Get(CSRFHeader)) {
				actor := ""
				if sess != nil {
					actor = sess.Username
				}
				s.audit.LogEvent("CSRF_REJECTED", namespaceOf(sess), actor, GetClientIP(r), false, map[string]string{
					"path": r.URL.Path,
				})
				writeFault(w, fault.New(fault.CSRF, "missing or invalid csrf token"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bodyLimitMiddleware caps request bodies at the configured maximum.
func (s *Server) bodyLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Load().Server.MaxRequestBodyBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func namespaceOf(sess *session.Session) string {
	if sess == nil {
		return ""
	}
	return sess.Namespace
}

// ============================================================================
// JSON ENVELOPE
// ============================================================================

// faultBody is the wire shape of a classified error.
type faultBody struct {
	Kind              fault.Kind `json:"kind"`
	Message           string     `json:"message"`
	Field             string     `json:"field,omitempty"`
	RetryAfterSeconds int        `json:"retryAfterSeconds,omitempty"`
	AttemptsLeft      *int       `json:"attemptsLeft,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// writeFault maps a fault to its HTTP status and serializes the envelope.
// Internal causes are never serialized.
func writeFault(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		fe = fault.Internalf(err, "internal server error")
	}

	status := http.StatusInternalServerError
	switch fe.Kind {
	case fault.Validation:
		status = http.StatusBadRequest
	case fault.Authentication:
		status = http.StatusUnauthorized
	case fault.Locked:
		status = http.StatusLocked
	case fault.Authorization, fault.CSRF:
		status = http.StatusForbidden
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.StateConflict:
		status = http.StatusConflict
	}

	body := faultBody{
		Kind:    fe.Kind,
		Message: fe.Message,
		Field:   fe.Field,
	}
	if fe.Kind == fault.Internal {
		// Replace any detail with a generic message; the cause went to logs.
		body.Message = "internal server error"
	}
	if fe.RetryAfter > 0 {
		body.RetryAfterSeconds = int(fe.RetryAfter.Seconds())
		w.Header().Set("Retry-After", fmt.Sprintf("%d", body.RetryAfterSeconds))
	}
	if fe.AttemptsLeft >= 0 {
		attempts := fe.AttemptsLeft
		body.AttemptsLeft = &attempts
	}

	writeJSON(w, status, map[string]faultBody{"error": body})
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fault.Validationf("body", "malformed json body")
	}
	return nil
}

// ============================================================================
// HEALTH
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// AUTH HANDLERS
// ============================================================================

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FullName      string `json:"fullName"`
		IDNumber      string `json:"idNumber"`
		AccountNumber string `json:"accountNumber"`
		Username      string `json:"username"`
		Password      string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeFault(w, err)
		return
	}

	p, err := s.auth.RegisterCustomer(r.Context(), security.RegisterCustomerInput{
		FullName:      req.FullName,
		IDNumber:      req.IDNumber,
		AccountNumber: req.AccountNumber,
		Username:      req.Username,
		Password:      req.Password,
	}, GetClientIP(r))
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":       p.ID,
		"username": p.Username,
	})
}

func (s *Server) handleLogin(kind storage.PrincipalKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
			TOTPCode string `json:"totpCode,omitempty"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeFault(w, err)
			return
		}

		p, err := s.auth.Login(r.Context(), kind, security.Credentials{
			Username: req.Username,
			Password: req.Password,
			TOTPCode: req.TOTPCode,
		}, GetClientIP(r))
		if err != nil {
			writeFault(w, err)
			return
		}

		manager, cookieName := s.customerSessions, CustomerCookie
		if kind == storage.KindEmployee {
			manager, cookieName = s.employeeSessions, EmployeeCookie
		}

		sess, err := manager.Create(p.ID, p.Username, p.Role, p.FullName)
		if err != nil {
			writeFault(w, fault.Internalf(err, "failed to create session"))
			return
		}

		token, err := s.csrf.Issue(sess.ID)
		if err != nil {
			manager.Destroy(sess.ID)
			writeFault(w, fault.Internalf(err, "failed to issue csrf token"))
			return
		}

		s.setSessionCookie(w, cookieName, sess)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"username":  p.Username,
			"fullName":  p.FullName,
			"role":      p.Role,
			"csrfToken": token,
		})
	}
}

// handleLogout ends the caller's session if one resolves. The route sits
// outside the session and CSRF gates: logging out must stay idempotent (a
// second call answers success, not 401) and needs no token — its only
// effect is destroying the caller's own session, which a forger gains
// nothing from.
func (s *Server) handleLogout(manager *session.Manager, cookieName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(cookieName); err == nil {
			if sess, ok := manager.Resolve(cookie.Value); ok {
				manager.Destroy(sess.ID)
				s.audit.LogEvent("LOGOUT", sess.Namespace, sess.Username, GetClientIP(r), true, nil)
			}
		}
		s.clearSessionCookie(w, cookieName)
		writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
	}
}

func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	token, err := s.csrf.Issue(sess.ID)
	if err != nil {
		writeFault(w, fault.Internalf(err, "failed to issue csrf token"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}

func (s *Server) handleSecurityStatus(kind storage.PrincipalKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := SessionFromContext(r.Context())
		status, err := s.auth.Status(r.Context(), kind, sess.PrincipalID)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func (s *Server) handleRotatePassword(kind storage.PrincipalKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeFault(w, err)
			return
		}

		sess := SessionFromContext(r.Context())
		if err := s.auth.RotatePassword(r.Context(), kind, sess.PrincipalID, req.CurrentPassword, req.NewPassword, GetClientIP(r)); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
	}
}

// ============================================================================
// TOTP HANDLERS (employee portal)
// ============================================================================

func (s *Server) handleTOTPEnroll(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	url, err := s.auth.EnrollTOTP(r.Context(), sess.PrincipalID, GetClientIP(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"otpauthUrl": url})
}

func (s *Server) handleTOTPActivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeFault(w, err)
		return
	}

	sess := SessionFromContext(r.Context())
	if err := s.auth.ActivateTOTP(r.Context(), sess.PrincipalID, req.Code, GetClientIP(r)); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

// ============================================================================
// TRANSACTION HANDLERS
// ============================================================================

// transactionView is the wire shape of a transaction.
type transactionView struct {
	ID                 string `json:"id"`
	CustomerID         string `json:"customerId,omitempty"`
	Amount             string `json:"amount"`
	Currency           string `json:"currency"`
	Provider           string `json:"provider"`
	SwiftCode          string `json:"swiftCode"`
	BeneficiaryAccount string `json:"beneficiaryAccount"`
	Status             string `json:"status"`
	VerifiedBy         string `json:"verifiedBy,omitempty"`
	VerifiedAt         string `json:"verifiedAt,omitempty"`
	SubmittedToSwift   bool   `json:"submittedToSwift"`
	SubmittedAt        string `json:"submittedAt,omitempty"`
	EmployeeNotes      string `json:"employeeNotes,omitempty"`
	CreatedAt          string `json:"createdAt"`
}

func viewOf(tx *storage.Transaction) transactionView {
	v := transactionView{
		ID:                 tx.ID,
		CustomerID:         tx.CustomerID,
		Amount:             tx.Amount,
		Currency:           tx.Currency,
		Provider:           tx.Provider,
		SwiftCode:          tx.SwiftCode,
		BeneficiaryAccount: tx.BeneficiaryAccount,
		Status:             string(tx.Status),
		VerifiedBy:         tx.VerifiedBy,
		SubmittedToSwift:   tx.SubmittedToSwift,
		EmployeeNotes:      tx.EmployeeNotes,
		CreatedAt:          tx.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !tx.VerifiedAt.IsZero() {
		v.VerifiedAt = tx.VerifiedAt.UTC().Format(time.RFC3339)
	}
	if !tx.SubmittedAt.IsZero() {
		v.SubmittedAt = tx.SubmittedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func viewsOf(txs []*storage.Transaction) []transactionView {
	views := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, viewOf(tx))
	}
	return views
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount             string `json:"amount"`
		Currency           string `json:"currency"`
		Provider           string `json:"provider"`
		SwiftCode          string `json:"swiftCode"`
		BeneficiaryAccount string `json:"beneficiaryAccount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeFault(w, err)
		return
	}

	sess := SessionFromContext(r.Context())
	tx, err := s.ledger.Create(r.Context(), sess, ledger.CreateInput{
		Amount:             req.Amount,
		Currency:           req.Currency,
		Provider:           req.Provider,
		SwiftCode:          req.SwiftCode,
		BeneficiaryAccount: req.BeneficiaryAccount,
	}, GetClientIP(r))
	if err != nil {
		writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, viewOf(tx))
}

func (s *Server) handleListOwnTransactions(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	txs, err := s.ledger.ListForCustomer(r.Context(), sess)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": viewsOf(txs)})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	txs, err := s.ledger.List(r.Context(), sess, r.URL.Query().Get("status"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": viewsOf(txs)})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Notes string `json:"notes,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeFault(w, err)
		return
	}

	sess := SessionFromContext(r.Context())
	tx, err := s.ledger.Verify(r.Context(), sess, mux.Vars(r)["id"], req.Notes, GetClientIP(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(tx))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	tx, err := s.ledger.Submit(r.Context(), sess, mux.Vars(r)["id"], GetClientIP(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(tx))
}

func (s *Server) handleBulkSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionIDs []string `json:"transactionIds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeFault(w, err)
		return
	}

	sess := SessionFromContext(r.Context())
	result, err := s.ledger.SubmitBulk(r.Context(), sess, req.TransactionIDs, GetClientIP(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	stats, err := s.ledger.Stats(r.Context(), sess)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ============================================================================
// COOKIES
// ============================================================================

func (s *Server) setSessionCookie(w http.ResponseWriter, name string, sess *session.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   s.cfg.Load().Server.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.Load().Server.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}
