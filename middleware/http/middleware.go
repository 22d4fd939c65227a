// Package http provides net/http middleware that bounds leak scans per account
// and a helper to mount the leakguard router under a prefix.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// AccountIDExtractor extracts the account ID from an HTTP request.
// Return empty string if the caller is not bound to an account.
type AccountIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Limiter bounds scans per account (required)
	Limiter leak.ScanLimiter

	// GetAccountID extracts the account from the request (required)
	GetAccountID AccountIDExtractor

	// OnRateLimited is called when the account has no scans left.
	// If nil, returns 429 with a JSON body. Retry-After is always set.
	OnRateLimited func(w http.ResponseWriter, r *http.Request, resetAt time.Time)

	// OnUnauthorized is called when no account could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the limiter fails
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// ScanGuard creates middleware that consumes one scan from the account's
// budget before calling next. Use it in front of a scan endpoint backed by an
// Engine that has no ScanLimiter of its own.
func ScanGuard(config Config) func(http.Handler) http.Handler {
	if config.Limiter == nil {
		panic("leakguard/http: Config.Limiter is required")
	}
	if config.GetAccountID == nil {
		panic("leakguard/http: Config.GetAccountID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := config.GetAccountID(r)
			if accountID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "Unauthorized"})
				}
				return
			}

			allowed, resetAt, err := config.Limiter.Allow(r.Context(), accountID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "Internal Server Error"})
				}
				return
			}

			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
			if !allowed {
				retry := leak.RetryAfterSeconds(resetAt, time.Now())
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				if config.OnRateLimited != nil {
					config.OnRateLimited(w, r, resetAt)
				} else {
					writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
						"error":       "Scan rate limit exceeded",
						"retry_after": retry,
					})
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccountID(r.Context(), accountID)))
		})
	}
}

// Mount registers h on mux under prefix, stripping the prefix before h sees
// the path. h is usually api.NewRouter.
func Mount(mux *http.ServeMux, prefix string, h http.Handler) {
	prefix = strings.TrimSuffix(prefix, "/")
	mux.Handle(prefix+"/", http.StripPrefix(prefix, h))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // response already committed
	_ = json.NewEncoder(w).Encode(v)
}

// Common extractors for convenience

// ContextKey is the type for context keys
type ContextKey string

// AccountIDKey is the context key ScanGuard stores the guarded account under
const AccountIDKey ContextKey = "leakguard_account_id"

// FromContext returns an AccountIDExtractor that gets the account from context
func FromContext(key ContextKey) AccountIDExtractor {
	return func(r *http.Request) string {
		if id, ok := r.Context().Value(key).(string); ok {
			return id
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromPathValue returns an AccountIDExtractor that reads a ServeMux path wildcard
func FromPathValue(name string) AccountIDExtractor {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// WithAccountID adds an account ID to the context
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}
