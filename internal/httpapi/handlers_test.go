package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dukapos/backend/internal/backup"
	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/report"
	"dukapos/backend/internal/service"
	"dukapos/backend/internal/store/memory"
)

func newTestAPI(t *testing.T) (*API, *memory.Store) {
	t.Helper()

	repo := memory.New()
	for _, u := range []struct {
		username string
		role     string
	}{
		{"jane", domain.RoleAdmin},
		{"alice", domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.username+"-password"), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hash password: %v", err)
		}
		if _, err := repo.CreateUser(context.Background(), domain.UserAccount{
			Username: u.username,
			Password: string(hash),
			Role:     u.role,
		}); err != nil {
			t.Fatalf("seed user %s: %v", u.username, err)
		}
	}

	svc := service.New(repo, report.NewEngine(time.UTC), nil, backup.NewWriter(t.TempDir()), time.Minute)
	auth := NewAuthManager("test-secret-at-least-32-characters!!", time.Hour)
	return New(svc, auth, "http://127.0.0.1:3000"), repo
}

func loginCookie(t *testing.T, api *API, username string) *http.Cookie {
	t.Helper()

	form := url.Values{"username": {username}, "password": {username + "-password"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("login: expected 303, got %d (%s)", rec.Code, rec.Body.String())
	}
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == SessionCookieName && cookie.Value != "" {
			return cookie
		}
	}
	t.Fatal("login did not set a session cookie")
	return nil
}

func seedStock(t *testing.T, repo *memory.Store, name string, qty int) domain.StockItem {
	t.Helper()
	item, err := repo.CreateStockItem(context.Background(), domain.StockItem{
		Name:         name,
		BuyingPrice:  180,
		SellingPrice: 240,
		Quantity:     qty,
	})
	if err != nil {
		t.Fatalf("seed stock: %v", err)
	}
	return *item
}

func TestHealthEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestFormLoginRedirectsAndSetsCookie(t *testing.T) {
	api, _ := newTestAPI(t)

	cookie := loginCookie(t, api, "alice")
	if !cookie.HttpOnly {
		t.Fatal("session cookie must be HttpOnly")
	}

	actor, err := api.auth.ParseToken(cookie.Value)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if actor.Username != "alice" || actor.Role != domain.RoleStaff {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestFormLoginFailureRedirectsBackToLogin(t *testing.T) {
	api, _ := newTestAPI(t)

	form := url.Values{"username": {"alice"}, "password": {"wrong"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, "/login?error=") {
		t.Fatalf("expected redirect back to login with error, got %q", location)
	}
}

func TestJSONLoginReturnsToken(t *testing.T) {
	api, _ := newTestAPI(t)

	payload := `{"username":"jane","password":"jane-password"}`
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AccessToken == "" || resp.Role != domain.RoleAdmin {
		t.Fatalf("unexpected login response %+v", resp)
	}
}

func TestLoginRateLimited(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		form := url.Values{"username": {"alice"}, "password": {"wrong"}}
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = "10.1.2.3:4567"
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after repeated attempts, got %d", last.Code)
	}
}

func TestBrowserRequestsWithoutSessionRedirectToLogin(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	for _, path := range []string{"/receipt/1", "/admin/reset-data"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login" {
			t.Fatalf("%s: expected 303 to /login, got %d -> %q", path, rec.Code, rec.Header().Get("Location"))
		}
	}
}

func TestAPIRequestsWithoutSessionGet401(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	for _, path := range []string{"/sales", "/pos", "/admin/stock"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Accept", "application/json")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
}

func TestStaffCannotReachAdminEndpoints(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	cookie := loginCookie(t, api, "alice")

	req := httptest.NewRequest(http.MethodGet, "/admin/stock", nil)
	req.Header.Set("Accept", "application/json")
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff on /admin/stock, got %d", rec.Code)
	}

	// A browser request is pushed back to the POS page instead.
	req = httptest.NewRequest(http.MethodGet, "/admin/stock", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusSeeOther || !strings.HasPrefix(rec.Header().Get("Location"), "/pos?error=") {
		t.Fatalf("expected 303 to /pos with error, got %d -> %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestCheckoutFormRedirectsToReceipt(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	cookie := loginCookie(t, api, "alice")
	rice := seedStock(t, repo, "Rice 2kg", 10)

	cart := fmt.Sprintf(`[{"id":%d,"quantity":2,"price":240}]`, rice.ID)
	form := url.Values{
		"cart":           {cart},
		"payment_method": {"mpesa"},
		"mpesa_code":     {"QWE123"},
		"total":          {"480"},
	}
	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d (%s)", rec.Code, rec.Body.String())
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, "/receipt/") {
		t.Fatalf("expected receipt redirect, got %q", location)
	}

	req = httptest.NewRequest(http.MethodGet, location, nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("receipt fetch: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"created_by":"alice"`) {
		t.Fatalf("receipt missing seller: %s", rec.Body.String())
	}
}

func TestCheckoutFailureRedirectsToPOSWithError(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	cookie := loginCookie(t, api, "alice")
	rice := seedStock(t, repo, "Rice 2kg", 1)

	cart := fmt.Sprintf(`[{"id":%d,"quantity":5,"price":240}]`, rice.ID)
	form := url.Values{
		"cart":           {cart},
		"payment_method": {"cash"},
		"total":          {"1200"},
	}
	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, "/pos?error=") {
		t.Fatalf("expected error redirect to /pos, got %q", location)
	}

	item, err := repo.GetStockItem(context.Background(), rice.ID)
	if err != nil {
		t.Fatalf("GetStockItem: %v", err)
	}
	if item.Quantity != 1 {
		t.Fatalf("failed checkout must not change stock, quantity=%d", item.Quantity)
	}
}

func TestJSONCheckoutReturnsSale(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	cookie := loginCookie(t, api, "alice")
	rice := seedStock(t, repo, "Rice 2kg", 10)

	payload := fmt.Sprintf(`{"cart":[{"id":%d,"quantity":1,"price":240}],"payment_method":"cash","total":240}`, rice.ID)
	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp domain.CheckoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Sale.ID == 0 || len(resp.Sale.Items) != 1 {
		t.Fatalf("unexpected sale %+v", resp.Sale)
	}
}

func TestSalesEndpointReturnsLedger(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	cookie := loginCookie(t, api, "alice")
	rice := seedStock(t, repo, "Rice 2kg", 10)

	payload := fmt.Sprintf(`{"cart":[{"id":%d,"quantity":1,"price":240}],"payment_method":"cash","total":240}`, rice.ID)
	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: expected 201, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/sales?payment_method=cash", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("sales: expected 200, got %d", rec.Code)
	}
	var ledger domain.SalesLedger
	if err := json.Unmarshal(rec.Body.Bytes(), &ledger); err != nil {
		t.Fatalf("decode ledger: %v", err)
	}
	if ledger.TotalCount != 1 || ledger.TotalAmount != 240 {
		t.Fatalf("unexpected ledger %+v", ledger)
	}
}

func TestProfitAnalysisEndpoint(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	cookie := loginCookie(t, api, "jane")
	rice := seedStock(t, repo, "Rice 2kg", 10)

	payload := fmt.Sprintf(`{"cart":[{"id":%d,"quantity":2,"price":240}],"payment_method":"cash","total":480}`, rice.ID)
	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: expected 201, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/profit-analysis?time_range=week", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("profit analysis: expected 200, got %d", rec.Code)
	}
	var analysis domain.ProfitAnalysis
	if err := json.Unmarshal(rec.Body.Bytes(), &analysis); err != nil {
		t.Fatalf("decode analysis: %v", err)
	}
	if analysis.TimeRange != "week" || len(analysis.Dates) != 7 {
		t.Fatalf("unexpected analysis range: %s with %d dates", analysis.TimeRange, len(analysis.Dates))
	}
	if analysis.TotalRevenue != 480 {
		t.Fatalf("expected revenue 480, got %v", analysis.TotalRevenue)
	}
}

func TestResetDataFormFlow(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	admin := loginCookie(t, api, "jane")
	staff := loginCookie(t, api, "alice")
	rice := seedStock(t, repo, "Rice 2kg", 10)

	payload := fmt.Sprintf(`{"cart":[{"id":%d,"quantity":1,"price":240}],"payment_method":"cash","total":240}`, rice.ID)
	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(admin)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: expected 201, got %d", rec.Code)
	}

	// Staff hitting the admin page is pushed back to the POS.
	req = httptest.NewRequest(http.MethodGet, "/admin/reset-data", nil)
	req.AddCookie(staff)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("staff reset page: expected 303, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/reset-data", nil)
	req.AddCookie(admin)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary: expected 200, got %d", rec.Code)
	}
	var summary domain.ResetSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.SalesCount != 1 {
		t.Fatalf("expected 1 sale in summary, got %d", summary.SalesCount)
	}

	form := url.Values{
		"confirm_reset": {"yes"},
		"create_backup": {"on"},
	}
	req = httptest.NewRequest(http.MethodPost, "/admin/reset-data", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(admin)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp domain.ResetResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode reset response: %v", err)
	}
	if resp.Status != "completed" || resp.DeletedSales != 1 || resp.BackupFile == "" {
		t.Fatalf("unexpected reset response %+v", resp)
	}
	if resp.StockReset {
		t.Fatal("stock must not be reset")
	}
}

func TestUserManagementEndpoints(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	admin := loginCookie(t, api, "jane")

	req := httptest.NewRequest(http.MethodPost, "/admin/users", strings.NewReader(`{"username":"bob","password":"longenough","role":"staff"}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(admin)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/users", strings.NewReader(`{"username":"bob","password":"longenough","role":"staff"}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(admin)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate user: expected 409, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.AddCookie(admin)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list users: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"bob"`) {
		t.Fatalf("listing missing bob: %s", rec.Body.String())
	}
}

func TestChangePasswordEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	cookie := loginCookie(t, api, "alice")

	payload := `{"old_password":"alice-password","new_password":"brandnewpw","confirm_password":"brandnewpw"}`
	req := httptest.NewRequest(http.MethodPost, "/change-password", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("change password: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	form := url.Values{"username": {"alice"}, "password": {"brandnewpw"}}
	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/pos" {
		t.Fatalf("login with new password: expected 303 to /pos, got %d -> %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestLogoutClearsSession(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	cookie := loginCookie(t, api, "alice")

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login" {
		t.Fatalf("logout: expected 303 to /login, got %d", rec.Code)
	}

	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("logout must expire the session cookie")
	}
}
