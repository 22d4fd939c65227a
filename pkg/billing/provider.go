package billing

import "net/http"

// Provider is a payment processor integration that feeds events into the engine.
type Provider interface {
	// Name returns the provider name (e.g. "stripe").
	Name() string

	// WebhookHandler returns the handler for the provider's webhook endpoint.
	// It resolves the account, verifies the signature, normalizes the payload
	// and passes it to the configured EventHandler.
	WebhookHandler() http.Handler
}
