package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/service"
	"dukapos/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
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

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
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

	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/login", a.handleLogin)
	mux.HandleFunc("/logout", a.handleLogout)

	mux.HandleFunc("/pos", a.requireAuth(a.handlePOSItems, domain.RoleStaff, domain.RoleAdmin))
	mux.HandleFunc("/checkout", a.requireAuth(a.handleCheckout, domain.RoleStaff, domain.RoleAdmin))
	mux.HandleFunc("/receipt/", a.requireAuth(a.handleReceipt, domain.RoleStaff, domain.RoleAdmin))
	mux.HandleFunc("/sales", a.requireAuth(a.handleSales, domain.RoleStaff, domain.RoleAdmin))
	mux.HandleFunc("/change-password", a.requireAuth(a.handleChangePassword, domain.RoleStaff, domain.RoleAdmin))

	mux.HandleFunc("/admin/profit-analysis", a.requireAuth(a.handleProfitAnalysis, domain.RoleAdmin))
	mux.HandleFunc("/admin/stock", a.requireAuth(a.handleStock, domain.RoleAdmin))
	mux.HandleFunc("/admin/stock/", a.requireAuth(a.handleStockItem, domain.RoleAdmin))
	mux.HandleFunc("/admin/users", a.requireAuth(a.handleUsers, domain.RoleAdmin))
	mux.HandleFunc("/admin/users/", a.requireAuth(a.handleUserActions, domain.RoleAdmin))
	mux.HandleFunc("/admin/reset-data", a.requireAuth(a.handleResetData, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

// requireAuth resolves the actor from the session cookie, or from a bearer
// header for API clients. Browser requests without a session are redirected
// to the login page; JSON requests get a 401.
func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			a.denyUnauthenticated(w, r, errors.New("login required"))
			return
		}

		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.denyUnauthenticated(w, r, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			if wantsJSON(r) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}
			redirectWithError(w, r, "/pos", "admin access required")
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		return strings.TrimSpace(authorization[len("Bearer "):])
	}
	return ""
}

func (a *API) denyUnauthenticated(w http.ResponseWriter, r *http.Request, err error) {
	if wantsJSON(r) {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// wantsJSON distinguishes API clients from browser requests. A client that
// sent a JSON body, asked for JSON back, or authenticated with a bearer
// token gets JSON errors; everything else gets the redirect flow.
func wantsJSON(r *http.Request) bool {
	if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
		return true
	}
	if strings.Contains(strings.ToLower(r.Header.Get("Accept")), "application/json") {
		return true
	}
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Authorization")), "bearer ")
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
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	isForm := !wantsJSON(r)
	if isForm {
		if err := r.ParseForm(); err != nil {
			redirectWithError(w, r, "/login", "invalid login form")
			return
		}
		req.Username = r.PostFormValue("username")
		req.Password = r.PostFormValue("password")
	} else {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	user, err := a.service.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if isForm {
			redirectWithError(w, r, "/login", "invalid username or password")
			return
		}
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	token, expiresAt, err := a.auth.Sign(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	http.SetCookie(w, a.auth.SessionCookie(token, expiresAt))
	if isForm {
		http.Redirect(w, r, "/pos", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, domain.LoginResponse{
		AccessToken: token,
		Role:        user.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	http.SetCookie(w, a.auth.ExpiredSessionCookie())
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// handleCheckout accepts the POS form post: the cart as a JSON string, a
// payment method and the display total. The whole cart commits or nothing
// does. Form clients are redirected, API clients get the sale back.
func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CheckoutRequest
	isForm := !wantsJSON(r)
	if isForm {
		if err := r.ParseForm(); err != nil {
			redirectWithError(w, r, "/pos", "invalid checkout form")
			return
		}
		rawCart := strings.TrimSpace(r.PostFormValue("cart"))
		if rawCart == "" {
			redirectWithError(w, r, "/pos", "cart is empty")
			return
		}
		if err := json.Unmarshal([]byte(rawCart), &req.Cart); err != nil {
			redirectWithError(w, r, "/pos", "cart could not be read")
			return
		}
		req.PaymentMethod = r.PostFormValue("payment_method")
		req.MpesaCode = r.PostFormValue("mpesa_code")
		if raw := strings.TrimSpace(r.PostFormValue("total")); raw != "" {
			total, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				redirectWithError(w, r, "/pos", "invalid total")
				return
			}
			req.Total = total
		}
	} else {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	resp, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		if isForm {
			redirectWithError(w, r, "/pos", userFacingMessage(err))
			return
		}
		writeError(w, statusForError(err), err)
		return
	}

	if isForm {
		http.Redirect(w, r, fmt.Sprintf("/receipt/%d", resp.Sale.ID), http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	id, err := pathID(r.URL.Path, "/receipt/")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sale, err := a.service.GetSale(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handlePOSItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	items, err := a.service.ListInStock(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	ledger, err := a.service.ListSales(r.Context(), domain.SalesFilter{
		StartDate:     q.Get("start_date"),
		EndDate:       q.Get("end_date"),
		PaymentMethod: q.Get("payment_method"),
		Seller:        q.Get("seller"),
		MinAmount:     q.Get("min_amount"),
		MaxAmount:     q.Get("max_amount"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

func (a *API) handleProfitAnalysis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	analysis, err := a.service.ProfitAnalysis(r.Context(), r.URL.Query().Get("time_range"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (a *API) handleStock(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := a.service.ListStock(r.Context(), r.URL.Query().Get("q"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req domain.StockItemCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		item, err := a.service.CreateStockItem(r.Context(), req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"item": item})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleStockItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r.URL.Path, "/admin/stock/")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		item, err := a.service.GetStockItem(r.Context(), id)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": item})
	case http.MethodPut, http.MethodPatch:
		var req domain.StockItemUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		item, err := a.service.UpdateStockItem(r.Context(), id, req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": item})
	case http.MethodDelete:
		if err := a.service.DeleteStockItem(r.Context(), id); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		users, err := a.service.ListUsers(r.Context())
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	case http.MethodPost:
		var req domain.UserCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		user, err := a.service.CreateUser(r.Context(), req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleUserActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}

	id, err := pathID(r.URL.Path, "/admin/users/")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.service.DeleteUser(r.Context(), id); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.ChangePasswordRequest
	isForm := !wantsJSON(r)
	if isForm {
		if err := r.ParseForm(); err != nil {
			redirectWithError(w, r, "/pos", "invalid form")
			return
		}
		req.OldPassword = r.PostFormValue("old_password")
		req.NewPassword = r.PostFormValue("new_password")
		req.ConfirmPassword = r.PostFormValue("confirm_password")
	} else {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	if err := a.service.ChangePassword(r.Context(), req); err != nil {
		if isForm {
			redirectWithError(w, r, "/pos", userFacingMessage(err))
			return
		}
		writeError(w, statusForError(err), err)
		return
	}
	if isForm {
		http.Redirect(w, r, "/pos", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleResetData serves the confirmation summary on GET and performs the
// reset on POST. The POST accepts either the HTML form fields or JSON.
func (a *API) handleResetData(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		summary, err := a.service.ResetSummary(r.Context())
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	case http.MethodPost:
		var req domain.ResetRequest
		if wantsJSON(r) {
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		} else {
			if err := r.ParseForm(); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			req.Confirm = r.PostFormValue("confirm_reset")
			req.CreateBackup = formBool(r.PostFormValue("create_backup"))
			req.ResetStock = formBool(r.PostFormValue("reset_stock"))
		}

		resp, err := a.service.ResetSales(r.Context(), req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func formBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "on", "yes":
		return true
	default:
		return false
	}
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
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func redirectWithError(w http.ResponseWriter, r *http.Request, target string, message string) {
	http.Redirect(w, r, target+"?error="+url.QueryEscape(message), http.StatusSeeOther)
}

// userFacingMessage strips the sentinel prefix so the redirect query shows
// only the human part of a wrapped error.
func userFacingMessage(err error) string {
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx >= 0 {
		return msg[idx+2:]
	}
	return msg
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case strings.Contains(strings.ToLower(err.Error()), "admin role required"):
		return http.StatusForbidden
	case strings.Contains(strings.ToLower(err.Error()), "login required"):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func pathID(path string, prefix string) (int64, error) {
	if !strings.HasPrefix(path, prefix) {
		return 0, errors.New("invalid path")
	}
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(path, prefix), "/"))
	if tail == "" {
		return 0, errors.New("id required")
	}
	id, err := strconv.ParseInt(tail, 10, 64)
	if err != nil || id < 1 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx messages are replaced with a generic string so internal details
	// (SQL errors, file paths) never reach the client.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
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
