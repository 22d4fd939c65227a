// Package fiber provides Fiber middleware that bounds leak scans per account
// and mounts the leakguard router inside a Fiber app.
package fiber

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// AccountIDKey is the Fiber locals key ScanGuard stores the guarded account under
const AccountIDKey = "LeakguardAccountID"

// AccountIDExtractor extracts the account ID from a Fiber context
// Return empty string if the caller is not bound to an account
type AccountIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Limiter bounds scans per account (required)
	Limiter leak.ScanLimiter

	// GetAccountID extracts the account from context (required)
	GetAccountID AccountIDExtractor

	// OnRateLimited is called when the account has no scans left.
	// If nil, uses default response: 429 JSON with retry_after
	OnRateLimited func(c *fiber.Ctx, resetAt time.Time) error

	// OnUnauthorized is called when no account could be extracted
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the limiter fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// ScanGuard creates a Fiber middleware that consumes one scan from the
// account's budget before the handler runs
func ScanGuard(cfg Config) fiber.Handler {
	if cfg.Limiter == nil {
		panic("leakguard/fiber: Config.Limiter is required")
	}
	if cfg.GetAccountID == nil {
		panic("leakguard/fiber: Config.GetAccountID is required")
	}

	return func(c *fiber.Ctx) error {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		allowed, resetAt, err := cfg.Limiter.Allow(c.UserContext(), accountID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		c.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		if !allowed {
			retry := leak.RetryAfterSeconds(resetAt, time.Now())
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retry))
			if cfg.OnRateLimited != nil {
				return cfg.OnRateLimited(c, resetAt)
			}
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Scan rate limit exceeded",
				"retry_after": retry,
			})
		}

		c.Locals(AccountIDKey, accountID)
		return c.Next()
	}
}

// Mount serves h for every method under prefix, stripping the prefix first.
// h is usually api.NewRouter.
func Mount(r fiber.Router, prefix string, h http.Handler) {
	prefix = strings.TrimSuffix(prefix, "/")
	r.All(prefix+"/*", adaptor.HTTPHandler(http.StripPrefix(prefix, h)))
}

// Convenience extractors for Account ID

// FromLocals returns an AccountIDExtractor that gets the account from Fiber
// locals set by an upstream auth middleware via c.Locals(key, id)
func FromLocals(key string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
