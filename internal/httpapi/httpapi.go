package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/logging"
	"retailpos/backend/internal/service"
	"retailpos/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	validate      *validator.Validate
	logger        *logrus.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger *logrus.Logger) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		validate:      validator.New(),
		logger:        logging.OrDiscard(logger),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

// Allow records an attempt for key and reports whether it is within the window budget.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	staff := []string{domain.RoleCashier, domain.RoleManager}
	manager := []string{domain.RoleManager}

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("POST /api/v1/transactions", a.requireAuth(a.handleCreate, staff...))
	mux.HandleFunc("GET /api/v1/transactions/{id}", a.requireAuth(a.handleGetTransaction, staff...))
	mux.HandleFunc("GET /api/v1/transactions/{id}/versions", a.requireAuth(a.handleListVersions, staff...))
	mux.HandleFunc("GET /api/v1/transactions/{id}/versions/{number}", a.requireAuth(a.handleGetVersion, staff...))
	mux.HandleFunc("GET /api/v1/transactions/{id}/inventory-logs", a.requireAuth(a.handleInventoryLogs, staff...))

	mux.HandleFunc("POST /api/v1/transactions/{id}/items", a.requireAuth(a.handleAddItem, staff...))
	mux.HandleFunc("PATCH /api/v1/transactions/{id}/items/{itemID}", a.requireAuth(a.handleUpdateItem, staff...))
	mux.HandleFunc("DELETE /api/v1/transactions/{id}/items/{itemID}", a.requireAuth(a.handleRemoveItem, staff...))
	mux.HandleFunc("PUT /api/v1/transactions/{id}/customer", a.requireAuth(a.handleSetCustomer, staff...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/payments", a.requireAuth(a.handleAddPayment, staff...))
	mux.HandleFunc("DELETE /api/v1/transactions/{id}/payments/{paymentID}", a.requireAuth(a.handleRemovePayment, staff...))
	mux.HandleFunc("PUT /api/v1/transactions/{id}/manual-discount", a.requireAuth(a.handleManualDiscount, staff...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/offers/refresh", a.requireAuth(a.handleRefreshOffers, staff...))

	mux.HandleFunc("POST /api/v1/transactions/{id}/complete", a.requireAuth(a.handleComplete, staff...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/suspend", a.requireAuth(a.handleSuspend, staff...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/resume", a.requireAuth(a.handleResume, staff...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/void", a.requireAuth(a.handleVoid, manager...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/refunds", a.requireAuth(a.handleRefund, manager...))

	mux.HandleFunc("GET /api/v1/stores/{storeID}/stock/{productID}", a.requireAuth(a.handleGetStock, staff...))
	mux.HandleFunc("POST /api/v1/stock/adjustments", a.requireAuth(a.handleAdjustStock, manager...))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(withActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) || strings.Contains(err.Error(), "inactive") {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTransactionRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	txn, err := a.service.Create(r.Context(), req, actorFrom(r.Context()).Username)
	a.respond(w, http.StatusCreated, txn, err)
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := a.service.GetTransaction(r.Context(), r.PathValue("id"))
	a.respond(w, http.StatusOK, txn, err)
}

func (a *API) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := a.service.ListVersions(r.Context(), r.PathValue("id"))
	a.respond(w, http.StatusOK, versions, err)
}

func (a *API) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || number < 1 {
		a.writeError(w, http.StatusBadRequest, errors.New("version number must be a positive integer"))
		return
	}
	version, err := a.service.GetVersion(r.Context(), r.PathValue("id"), number)
	a.respond(w, http.StatusOK, version, err)
}

func (a *API) handleInventoryLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := a.service.ListInventoryLogs(r.Context(), r.PathValue("id"))
	a.respond(w, http.StatusOK, logs, err)
}

func (a *API) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req domain.AddItemRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	txn, err := a.service.AddItem(r.Context(), r.PathValue("id"), req, actorFrom(r.Context()).Username)
	a.respond(w, http.StatusOK, txn, err)
}

func (a *API) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateItemRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	txn, err := a.service.UpdateItem(r.Context(), r.PathValue("id"), r.PathValue("itemID"), req, actorFrom(r.Context()).Username)
	a.respond(w, http.StatusOK, txn, err)
}

func (a *API) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	txn, err := a.service.RemoveItem(r.Context(), r.PathValue("id"), r.PathValue("itemID"), actorFrom(r.Context()).Username)
	a.respond(w, http.StatusOK, txn, err)
}

func (a *API) handleSetCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.SetCustomerRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	txn, err := a.service.SetCustomer(r.Context(), r.PathValue("id"), req, actorFrom(r.Context()).Username)
	a.respond(w, http.StatusOK, txn, err)
}

func (a *API) handleAddPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.AddPaymentRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	txn, err := a.service.AddPayment(r.Context(), r.PathValue("id"), req, actorFrom(r.Context()).Username)
	a.respond(w, http.StatusOK, txn, err)
}

func (a *API) handleRemovePayment(w http.ResponseWriter, r *http.Request) {
	txn, err := a.service.RemovePayment(r.Context(), r.PathValue("id"), r.PathValue("paymentID"), actorFrom(r.Context()).Username)
	a.respond(w, http.StatusOK, txn, err)
}

func (a *API) handleManualDiscount(w http.ResponseWriter, r *http.Request) {
	var req domain.ManualDiscountRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	txn, err := a.service.SetManualDiscount(r.Context(), r.PathValue("id"), req, actorFrom(r.Context()).Username)
	a.respond(w, http.StatusOK, txn, err)
}

func (a *API) handleRefreshOffers(w http.ResponseWriter, r *http.Request) {
	txn, err := a.service.RefreshOffers(r.Context(), r.PathValue("id"), actorFrom(r.Context()).Username)
	a.respond(w, http.StatusOK, txn, err)
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	txn, err := a.service.Complete(r.Context(), r.PathValue("id"), actorFrom(r.Context()).Username)
	a.respond(w, http.StatusOK, txn, err)
}

func (a *API) handleSuspend(w http.ResponseWriter, r *http.Request) {
	txn, err := a.service.Suspend(r.Context(), r.PathValue("id"), actorFrom(r.Context()).Username)
	a.respond(w, http.StatusOK, txn, err)
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	txn, err := a.service.Resume(r.Context(), r.PathValue("id"), actorFrom(r.Context()).Username)
	a.respond(w, http.StatusOK, txn, err)
}

func (a *API) handleVoid(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	txn, err := a.service.Void(r.Context(), r.PathValue("id"), req, actorFrom(r.Context()).Username)
	a.respond(w, http.StatusOK, txn, err)
}

func (a *API) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	txn, err := a.service.ProcessRefund(r.Context(), r.PathValue("id"), req, actorFrom(r.Context()).Username)
	a.respond(w, http.StatusOK, txn, err)
}

func (a *API) handleGetStock(w http.ResponseWriter, r *http.Request) {
	level, err := a.service.GetStock(r.Context(), r.PathValue("storeID"), r.PathValue("productID"))
	a.respond(w, http.StatusOK, level, err)
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req domain.StockAdjustmentRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	entry, err := a.service.AdjustStock(r.Context(), req, actorFrom(r.Context()).Username)
	a.respond(w, http.StatusCreated, entry, err)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.WithFields(logrus.Fields{
			"module":   "httpapi",
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(startedAt).String(),
		}).Info("request")
	})
}

// decodeAndValidate writes a 400 for malformed JSON and a 422 for a body that
// fails its validate tags. It reports whether the handler should continue.
func (a *API) decodeAndValidate(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := a.validate.Struct(dest); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":  "validation failed",
				"fields": validationFields(verrs),
			})
			return false
		}
		a.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func validationFields(verrs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Namespace()] = fe.Tag()
	}
	return out
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// respond maps service errors onto status codes and writes payload otherwise.
func (a *API) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, status, payload)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransaction), errors.Is(err, store.ErrPriceNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause only goes to the log.
	msg := err.Error()
	if status >= 500 {
		logging.LogError(a.logger, "httpapi", "writeError", "internal error", map[string]any{"status": status}, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
