// Package gin provides Gin middleware that bounds leak scans per account and
// mounts the leakguard router inside a Gin engine.
package gin

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// AccountIDKey is the Gin context key ScanGuard stores the guarded account under
const AccountIDKey = "LeakguardAccountID"

// AccountIDExtractor extracts the account ID from a Gin context
// Return empty string if the caller is not bound to an account
type AccountIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Limiter bounds scans per account (required)
	Limiter leak.ScanLimiter

	// GetAccountID extracts the account from context (required)
	GetAccountID AccountIDExtractor

	// OnRateLimited is called when the account has no scans left.
	// Retry-After and X-RateLimit-Reset are set before it runs.
	// If nil, uses default response: 429 JSON with retry_after
	OnRateLimited func(c *gongin.Context, resetAt time.Time)

	// OnUnauthorized is called when no account could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the limiter fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// ScanGuard creates a Gin middleware that consumes one scan from the account's
// budget before the handler runs
func ScanGuard(cfg Config) gongin.HandlerFunc {
	if cfg.Limiter == nil {
		panic("leakguard/gin: Config.Limiter is required")
	}
	if cfg.GetAccountID == nil {
		panic("leakguard/gin: Config.GetAccountID is required")
	}

	return func(c *gongin.Context) {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		allowed, resetAt, err := cfg.Limiter.Allow(c.Request.Context(), accountID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		if !allowed {
			retry := leak.RetryAfterSeconds(resetAt, time.Now())
			c.Header("Retry-After", strconv.Itoa(retry))
			if cfg.OnRateLimited != nil {
				cfg.OnRateLimited(c, resetAt)
			} else {
				c.JSON(http.StatusTooManyRequests, gongin.H{
					"error":       "Scan rate limit exceeded",
					"retry_after": retry,
				})
			}
			c.Abort()
			return
		}

		c.Set(AccountIDKey, accountID)
		c.Next()
	}
}

// Mount serves h for every method under prefix, stripping the prefix first.
// h is usually api.NewRouter.
func Mount(r gongin.IRoutes, prefix string, h http.Handler) {
	prefix = strings.TrimSuffix(prefix, "/")
	r.Any(prefix+"/*path", gongin.WrapH(http.StripPrefix(prefix, h)))
}

// Convenience extractors for Account ID

// FromContext returns an AccountIDExtractor that gets the account from Gin
// context values set by an upstream auth middleware via c.Set(key, id)
func FromContext(key string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
