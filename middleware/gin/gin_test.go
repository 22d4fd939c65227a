package gin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/leakguard/storage/memory"
)

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, time.Time, error) {
	return false, time.Time{}, errors.New("connection refused")
}

func init() {
	gongin.SetMode(gongin.TestMode)
}

func setupRouter(cfg Config) *gongin.Engine {
	r := gongin.New()
	r.POST("/accounts/:account/scan", ScanGuard(cfg), func(c *gongin.Context) {
		c.String(http.StatusOK, c.GetString(AccountIDKey))
	})
	return r
}

func TestScanGuard_Success(t *testing.T) {
	r := setupRouter(Config{
		Limiter:      memory.NewScanLimiter(5, time.Hour),
		GetAccountID: FromParam("account"),
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/accounts/acct_1/scan", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "acct_1" {
		t.Errorf("Expected acct_1 in context, got %q", rec.Body.String())
	}
}

func TestScanGuard_RateLimited(t *testing.T) {
	r := setupRouter(Config{
		Limiter:      memory.NewScanLimiter(1, time.Hour),
		GetAccountID: FromParam("account"),
	})

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/accounts/acct_1/scan", nil))
		if rec.Code != want {
			t.Fatalf("request %d: expected status %d, got %d", i, want, rec.Code)
		}
		if want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("Expected Retry-After header")
		}
	}
}

func TestScanGuard_Unauthorized(t *testing.T) {
	r := setupRouter(Config{
		Limiter:      memory.NewScanLimiter(5, time.Hour),
		GetAccountID: FromHeader("X-Account-ID"),
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/accounts/acct_1/scan", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestScanGuard_LimiterError(t *testing.T) {
	var called bool
	r := setupRouter(Config{
		Limiter:      failingLimiter{},
		GetAccountID: FromParam("account"),
		OnError: func(c *gongin.Context, _ error) {
			called = true
			c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "try later"})
		},
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/accounts/acct_1/scan", nil))
	if !called || rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected custom error handler, got %d", rec.Code)
	}
}

func TestFromContext(t *testing.T) {
	r := gongin.New()
	r.Use(func(c *gongin.Context) { c.Set("AccountID", "acct_ctx") })
	r.POST("/scan", ScanGuard(Config{
		Limiter:      memory.NewScanLimiter(5, time.Hour),
		GetAccountID: FromContext("AccountID"),
	}), func(c *gongin.Context) {
		c.String(http.StatusOK, c.GetString(AccountIDKey))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scan", nil))
	if rec.Body.String() != "acct_ctx" {
		t.Errorf("Expected acct_ctx, got %q", rec.Body.String())
	}
}

func TestMount(t *testing.T) {
	r := gongin.New()
	Mount(r, "/leakguard", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(req.Method + " " + req.URL.Path))
	}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/leakguard/accounts/acct_1/scan", nil))
	if rec.Body.String() != "POST /accounts/acct_1/scan" {
		t.Errorf("Unexpected mounted response %q", rec.Body.String())
	}
}
