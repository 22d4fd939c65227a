package stripe

import (
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/leakguard/pkg/billing"
	"github.com/mihaimyh/leakguard/pkg/billing/internal"
	"github.com/mihaimyh/leakguard/pkg/leak"
)

// webhookResponse is the body of a 200 reply
type webhookResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Recovered bool   `json:"recovered,omitempty"`
	Leaks     int    `json:"leaks"`
	Failures  int    `json:"detector_failures,omitempty"`
}

// handleWebhook resolves the account from the routing token, verifies the
// signature with the account's secret and hands the normalized event to the engine.
//
// 404 unknown token, 412 account without a secret, 400 bad signature or body,
// 413 oversized body, 500 processing failure. Malformed events and event types
// the engine does not handle are acknowledged with 200.
//
//nolint:gocyclo // linear request pipeline with one exit per failure class
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := p.now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()
	token := p.tokenFn(r)
	if token == "" {
		p.metrics.RecordWebhookError("unknown_account")
		internal.WriteError(w, http.StatusNotFound, "unknown webhook endpoint")
		return
	}
	acct, err := p.accounts.GetAccountByWebhookToken(ctx, token)
	if err != nil {
		if errors.Is(err, leak.ErrAccountNotFound) {
			p.metrics.RecordWebhookError("unknown_account")
			internal.WriteError(w, http.StatusNotFound, "unknown webhook endpoint")
			return
		}
		p.metrics.RecordWebhookError("account_lookup")
		p.logger.Error("webhook account lookup failed", leak.Field{Key: "error", Value: err.Error()})
		internal.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if acct.WebhookSecret == "" {
		p.metrics.RecordWebhookError("not_configured")
		p.logger.Warn("webhook received for account without secret",
			leak.Field{Key: "account_id", Value: acct.ID},
			leak.Field{Key: "error", Value: leak.ErrConfiguration.Error()},
		)
		internal.WriteError(w, http.StatusPreconditionFailed, "webhook secret not configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, p.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError("payload_too_large")
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		p.metrics.RecordWebhookError("invalid_payload")
		internal.WriteError(w, http.StatusBadRequest, billing.ErrInvalidWebhookPayload.Error())
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get(signatureHeader), acct.WebhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                p.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		p.metrics.RecordWebhookError("auth_failed")
		p.logger.Warn("webhook signature rejected",
			leak.Field{Key: "account_id", Value: acct.ID},
			leak.Field{Key: "error", Value: err.Error()},
		)
		internal.WriteError(w, http.StatusBadRequest, billing.ErrInvalidWebhookSignature.Error())
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "unknown"
	}
	defer func() {
		p.metrics.RecordWebhookProcessingDuration(eventType, p.now().Sub(startTime))
	}()

	ev, err := NormalizeEvent(&event)
	if err == nil {
		var res *leak.EventResult
		res, err = p.engine.HandleEvent(ctx, acct, ev)
		if err == nil {
			p.acknowledge(w, r, acct, ev, res)
			return
		}
	}

	fields := []leak.Field{
		{Key: "account_id", Value: acct.ID},
		{Key: "event_id", Value: event.ID},
		{Key: "event_type", Value: eventType},
		{Key: "error", Value: err.Error()},
	}
	if errors.Is(err, leak.ErrValidation) {
		p.metrics.RecordWebhookEvent(eventType, "invalid")
		p.logger.Warn("invalid webhook event acknowledged", fields...)
		_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{ //nolint:errcheck // client went away
			Received: true, EventID: event.ID, Ignored: true, Reason: "invalid payload",
		})
		return
	}

	p.metrics.RecordWebhookEvent(eventType, "error")
	p.metrics.RecordWebhookError("processing_error")
	p.logger.Error("webhook processing failed", fields...)
	internal.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
}

func (p *Provider) acknowledge(w http.ResponseWriter, r *http.Request, acct *leak.Account, ev *leak.Event, res *leak.EventResult) {
	status := "success"
	if res.Ignored {
		status = "ignored"
	}
	p.metrics.RecordWebhookEvent(ev.Type, status)

	resp := webhookResponse{
		Received:  true,
		EventID:   ev.ID,
		Ignored:   res.Ignored,
		Reason:    res.Reason,
		Recovered: res.Recovery != nil,
	}
	if res.Report != nil {
		resp.Leaks = len(res.Report.Leaks())
		resp.Failures = len(res.Report.Failures())
	}

	if p.callback != nil {
		cbErr := p.callback(r.Context(), billing.WebhookEvent{
			AccountID:      acct.ID,
			Provider:       providerName,
			EventID:        ev.ID,
			EventType:      ev.Type,
			EventTimestamp: ev.Created,
			Result:         res,
		})
		if cbErr != nil {
			p.logger.Warn("webhook callback failed",
				leak.Field{Key: "account_id", Value: acct.ID},
				leak.Field{Key: "event_id", Value: ev.ID},
				leak.Field{Key: "error", Value: cbErr.Error()},
			)
		}
	}

	_ = internal.WriteJSON(w, http.StatusOK, resp) //nolint:errcheck // client went away
}
