// Package stripe receives Stripe webhooks and turns them into leak events.
package stripe

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/leakguard/pkg/billing"
	"github.com/mihaimyh/leakguard/pkg/billing/internal"
	"github.com/mihaimyh/leakguard/pkg/leak"
)

const (
	providerName           = "stripe"
	defaultMaxBodyBytes    = 256 * 1024
	defaultRateLimitWindow = time.Minute
	signatureHeader        = "Stripe-Signature"
	tokenURLParam          = "token"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// Tolerance is the accepted age of a signature timestamp.
	// Defaults to webhook.DefaultTolerance.
	Tolerance time.Duration

	// TokenFromRequest extracts the routing token. Defaults to the chi URL
	// parameter "token", falling back to the last path segment.
	TokenFromRequest func(*http.Request) string
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	engine       billing.EventHandler
	accounts     leak.AccountStore
	logger       leak.Logger
	metrics      leak.Metrics
	maxBodyBytes int64
	tolerance    time.Duration
	tokenFn      func(*http.Request) string
	callback     func(context.Context, billing.WebhookEvent) error
	rateLimiter  *internal.RateLimiter
	now          func() time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a Stripe webhook provider
func NewProvider(config Config) (*Provider, error) {
	if config.Engine == nil || config.Accounts == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	p := &Provider{
		engine:       config.Engine,
		accounts:     config.Accounts,
		logger:       config.Logger,
		metrics:      config.Metrics,
		maxBodyBytes: config.MaxBodyBytes,
		tolerance:    config.Tolerance,
		tokenFn:      config.TokenFromRequest,
		callback:     config.WebhookCallback,
		now:          time.Now,
	}
	if p.logger == nil {
		p.logger = &leak.NoopLogger{}
	}
	if p.metrics == nil {
		p.metrics = &leak.NoopMetrics{}
	}
	if p.maxBodyBytes <= 0 {
		p.maxBodyBytes = defaultMaxBodyBytes
	}
	if p.tolerance <= 0 {
		p.tolerance = webhook.DefaultTolerance
	}
	if p.tokenFn == nil {
		p.tokenFn = routingToken
	}
	if config.RateLimitRequests > 0 {
		window := config.RateLimitWindow
		if window <= 0 {
			window = defaultRateLimitWindow
		}
		p.rateLimiter = internal.NewRateLimiter(config.RateLimitRequests, window)
	}
	return p, nil
}

// Name implements billing.Provider
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler implements billing.Provider
func (p *Provider) WebhookHandler() http.Handler {
	var h http.Handler = http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter != nil {
		h = p.rateLimiter.Middleware(h)
	}
	return h
}

func routingToken(r *http.Request) string {
	if token := chi.URLParam(r, tokenURLParam); token != "" {
		return token
	}
	base := path.Base(strings.TrimRight(r.URL.Path, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}
