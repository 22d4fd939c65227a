package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/mihaimyh/leakguard/pkg/leak"
	"github.com/mihaimyh/leakguard/storage/memory"
)

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, time.Time, error) {
	return false, time.Time{}, errors.New("connection refused")
}

func guarded(limiter leak.ScanLimiter) http.Handler {
	return ScanGuard(Config{
		Limiter:      limiter,
		GetAccountID: FromHeader("X-Account-ID"),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Guarded-Account", FromContext(AccountIDKey)(r))
		w.WriteHeader(http.StatusOK)
	}))
}

func scanRequest(accountID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/scan", nil)
	if accountID != "" {
		req.Header.Set("X-Account-ID", accountID)
	}
	return req
}

func TestScanGuard_Success(t *testing.T) {
	h := guarded(memory.NewScanLimiter(2, time.Hour))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, scanRequest("acct_1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Guarded-Account"); got != "acct_1" {
		t.Errorf("Expected account in context, got %q", got)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("Expected X-RateLimit-Reset header")
	}
}

func TestScanGuard_RateLimited(t *testing.T) {
	h := guarded(memory.NewScanLimiter(1, time.Hour))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, scanRequest("acct_1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected first scan to pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, scanRequest("acct_1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", rec.Code)
	}
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 3600 {
		t.Errorf("Unexpected Retry-After %q", rec.Header().Get("Retry-After"))
	}

	// separate budget per account
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, scanRequest("acct_2"))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected other account to pass, got %d", rec.Code)
	}
}

func TestScanGuard_Unauthorized(t *testing.T) {
	h := guarded(memory.NewScanLimiter(1, time.Hour))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, scanRequest(""))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestScanGuard_LimiterError(t *testing.T) {
	h := guarded(failingLimiter{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, scanRequest("acct_1"))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
}

func TestScanGuard_CustomHandlers(t *testing.T) {
	var limited bool
	h := ScanGuard(Config{
		Limiter:      memory.NewScanLimiter(0, time.Hour),
		GetAccountID: FromHeader("X-Account-ID"),
		OnRateLimited: func(w http.ResponseWriter, _ *http.Request, _ time.Time) {
			limited = true
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})(http.NotFoundHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, scanRequest("acct_1"))
	if !limited || rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected custom rate limit handler, got %d", rec.Code)
	}
}

func TestScanGuard_RequiresConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic without a limiter")
		}
	}()
	ScanGuard(Config{GetAccountID: FromHeader("X-Account-ID")})
}

func TestMount(t *testing.T) {
	mux := http.NewServeMux()
	Mount(mux, "/leakguard/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Path))
	}))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/leakguard/healthz", nil))
	if rec.Body.String() != "/healthz" {
		t.Errorf("Expected stripped path /healthz, got %q", rec.Body.String())
	}
}

func TestFromPathValue(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("POST /accounts/{account}/scan", guardedBy(FromPathValue("account")))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/accounts/acct_9/scan", nil))
	if got := rec.Header().Get("X-Guarded-Account"); got != "acct_9" {
		t.Errorf("Expected acct_9, got %q", got)
	}
}

func guardedBy(extract AccountIDExtractor) http.Handler {
	return ScanGuard(Config{
		Limiter:      memory.NewScanLimiter(5, time.Hour),
		GetAccountID: extract,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Guarded-Account", FromContext(AccountIDKey)(r))
	}))
}
