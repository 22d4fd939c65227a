// Package echo provides Echo middleware that bounds leak scans per account and
// mounts the leakguard router inside an Echo instance.
package echo

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// AccountIDKey is the Echo context key ScanGuard stores the guarded account under
const AccountIDKey = "LeakguardAccountID"

// AccountIDExtractor extracts the account ID from an Echo context
// Return empty string if the caller is not bound to an account
type AccountIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Limiter bounds scans per account (required)
	Limiter leak.ScanLimiter

	// GetAccountID extracts the account from context (required)
	GetAccountID AccountIDExtractor

	// OnRateLimited is called when the account has no scans left.
	// If nil, uses default response: 429 JSON with retry_after
	OnRateLimited func(c echo.Context, resetAt time.Time) error

	// OnUnauthorized is called when no account could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the limiter fails
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Router is implemented by *echo.Echo and *echo.Group
type Router interface {
	Any(path string, handler echo.HandlerFunc, middleware ...echo.MiddlewareFunc) []*echo.Route
}

// ScanGuard creates an Echo middleware that consumes one scan from the
// account's budget before the handler runs
func ScanGuard(cfg Config) echo.MiddlewareFunc {
	if cfg.Limiter == nil {
		panic("leakguard/echo: Config.Limiter is required")
	}
	if cfg.GetAccountID == nil {
		panic("leakguard/echo: Config.GetAccountID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			accountID := cfg.GetAccountID(c)
			if accountID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{"error": "Unauthorized"})
			}

			allowed, resetAt, err := cfg.Limiter.Allow(c.Request().Context(), accountID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "Internal Server Error"})
			}

			c.Response().Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
			if !allowed {
				retry := leak.RetryAfterSeconds(resetAt, time.Now())
				c.Response().Header().Set("Retry-After", strconv.Itoa(retry))
				if cfg.OnRateLimited != nil {
					return cfg.OnRateLimited(c, resetAt)
				}
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":       "Scan rate limit exceeded",
					"retry_after": retry,
				})
			}

			c.Set(AccountIDKey, accountID)
			return next(c)
		}
	}
}

// Mount serves h for every method under prefix, stripping the prefix first.
// h is usually api.NewRouter.
func Mount(r Router, prefix string, h http.Handler) {
	prefix = strings.TrimSuffix(prefix, "/")
	r.Any(prefix+"/*", echo.WrapHandler(http.StripPrefix(prefix, h)))
}

// Convenience extractors for Account ID

// FromContext returns an AccountIDExtractor that gets the account from Echo
// context values set by an upstream auth middleware via c.Set(key, id)
func FromContext(key string) AccountIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
