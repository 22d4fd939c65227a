package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// Service is the engine surface the API exposes. *leak.Engine implements it.
type Service interface {
	ListLeaks(ctx context.Context, accountID string, filter leak.LeakFilter) ([]leak.Leak, error)
	ListRecoveries(ctx context.Context, accountID string, days int) ([]leak.RecoveryEvent, error)
	RecoverySummary(ctx context.Context, accountID string, days int) (*leak.RecoverySummary, error)
	ListUnreadNotifications(ctx context.Context, accountID string) ([]leak.Notification, error)
	MarkNotificationRead(ctx context.Context, accountID, notificationID string) error
	Scan(ctx context.Context, accountID string) (*leak.DetectionReport, error)
}

// AllAccounts grants an API key access to every account
const AllAccounts = "*"

// Config holds configuration for the account API handler
type Config struct {
	// Service answers the read and scan requests (required)
	Service Service

	// Authorize reports whether the request may act on accountID (required).
	// See BearerKeys.
	Authorize func(r *http.Request, accountID string) bool

	// OnError handles errors. If nil, errors are written as {"error": msg}.
	OnError func(w http.ResponseWriter, r *http.Request, err error, status int)

	// Logger is optional; nil is a no-op
	Logger leak.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.Authorize == nil {
		return fmt.Errorf("authorize is required")
	}
	return nil
}

// NewHandler creates a new account API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &leak.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// BearerKeys returns an Authorize function backed by a map of API key to
// account id. A key mapped to AllAccounts may act on any account.
func BearerKeys(keys map[string]string) func(*http.Request, string) bool {
	return func(r *http.Request, accountID string) bool {
		provided, ok := bearerToken(r)
		if !ok {
			return false
		}
		allowed := false
		// compare against every key so timing does not reveal which prefix matched
		for key, owner := range keys {
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) == 1 {
				allowed = owner == AllAccounts || owner == accountID
			}
		}
		return allowed
	}
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
