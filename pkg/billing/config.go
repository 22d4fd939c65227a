package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// EventHandler applies a verified, normalized processor event. *leak.Engine implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, acct *leak.Account, ev *leak.Event) (*leak.EventResult, error)
}

// Config defines the configuration every provider webhook accepts.
type Config struct {
	// Engine receives normalized events. Required.
	Engine EventHandler

	// Accounts resolves the per-account routing token and webhook secret. Required.
	Accounts leak.AccountStore

	// Logger and Metrics are optional; nil values are no-ops.
	Logger  leak.Logger
	Metrics leak.Metrics

	// MaxBodyBytes caps the webhook body. Defaults to 256 KiB.
	MaxBodyBytes int64

	// RateLimitRequests per RateLimitWindow per client IP. Zero disables limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// WebhookCallback is invoked after an event was processed successfully.
	// A callback error is logged and does not fail the webhook.
	WebhookCallback func(context.Context, WebhookEvent) error
}
