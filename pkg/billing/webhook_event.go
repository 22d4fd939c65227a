package billing

import (
	"time"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// WebhookEvent describes a processed webhook. It is passed to Config.WebhookCallback
// once the engine has handled the event.
type WebhookEvent struct {
	AccountID string

	// Provider is the billing provider name
	Provider string

	EventID        string
	EventType      string
	EventTimestamp time.Time

	// Result is what the engine did with the event
	Result *leak.EventResult
}
