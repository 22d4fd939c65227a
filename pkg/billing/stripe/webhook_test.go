package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/leakguard/pkg/billing"
	"github.com/mihaimyh/leakguard/pkg/leak"
	"github.com/mihaimyh/leakguard/storage/memory"
)

const (
	testToken  = "tok_acme"
	testSecret = "whsec_acme"
)

type webhookFixture struct {
	store    *memory.Storage
	engine   *leak.Engine
	provider *Provider
	router   http.Handler
	events   []billing.WebhookEvent
}

func newWebhookFixture(t *testing.T, mutate func(*Config)) *webhookFixture {
	t.Helper()
	f := &webhookFixture{store: memory.New()}
	if err := f.store.PutAccount(context.Background(), &leak.Account{ID: "acme", WebhookToken: testToken, WebhookSecret: testSecret}); err != nil {
		t.Fatalf("put account: %v", err)
	}
	if err := f.store.PutAccount(context.Background(), &leak.Account{ID: "unconfigured", WebhookToken: "tok_unconfigured"}); err != nil {
		t.Fatalf("put account: %v", err)
	}

	engine, err := leak.NewEngine(&leak.Config{Storage: f.store})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = engine

	cfg := Config{Config: billing.Config{
		Engine:   engine,
		Accounts: f.store,
		WebhookCallback: func(_ context.Context, ev billing.WebhookEvent) error {
			f.events = append(f.events, ev)
			return nil
		},
	}}
	if mutate != nil {
		mutate(&cfg)
	}
	f.provider, err = NewProvider(cfg)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	r := chi.NewRouter()
	r.Handle("/webhooks/stripe/{token}", f.provider.WebhookHandler())
	f.router = r
	return f
}

func (f *webhookFixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func eventPayload(t *testing.T, id, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":       id,
		"object":   "event",
		"type":     eventType,
		"created":  time.Now().Unix(),
		"livemode": true,
		"data":     map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func signedRequest(token, secret string, payload []byte) *http.Request {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe/"+token, bytes.NewReader(signed.Payload))
	req.Header.Set(signatureHeader, signed.Header)
	return req
}

func failedInvoice(id string, amount int64) map[string]interface{} {
	return map[string]interface{}{
		"id":            id,
		"object":        "invoice",
		"status":        "open",
		"amount_due":    amount,
		"amount_paid":   0,
		"attempt_count": 3,
		"created":       time.Now().AddDate(0, 0, -10).Unix(),
	}
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) webhookResponse {
	t.Helper()
	var resp webhookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestWebhook_PaymentFailedDetectsLeaks(t *testing.T) {
	f := newWebhookFixture(t, nil)
	payload := eventPayload(t, "evt_1", leak.EventInvoicePaymentFailed, failedInvoice("in_1", 500000))

	rec := f.serve(signedRequest(testToken, testSecret, payload))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if !resp.Received || resp.EventID != "evt_1" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Leaks != 2 {
		t.Errorf("leaks = %d, want failed_payments and recovery_gap", resp.Leaks)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("missing security headers")
	}

	leaks, err := f.store.ListLeaks(context.Background(), "acme", leak.LeakFilter{Type: leak.TypeFailedPayments})
	if err != nil {
		t.Fatalf("list leaks: %v", err)
	}
	if len(leaks) != 1 || leaks[0].LostAmount != 500000 {
		t.Fatalf("failed payment leaks = %+v", leaks)
	}

	if len(f.events) != 1 || f.events[0].AccountID != "acme" || f.events[0].Provider != providerName {
		t.Errorf("callback events = %+v", f.events)
	}
}

func TestWebhook_RedeliveryIsIdempotent(t *testing.T) {
	f := newWebhookFixture(t, nil)
	ctx := context.Background()
	payload := eventPayload(t, "evt_1", leak.EventInvoicePaymentFailed, failedInvoice("in_1", 500000))

	for i := 0; i < 3; i++ {
		rec := f.serve(signedRequest(testToken, testSecret, payload))
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d", i, rec.Code)
		}
	}

	leaks, err := f.store.ListLeaks(ctx, "acme", leak.LeakFilter{})
	if err != nil {
		t.Fatalf("list leaks: %v", err)
	}
	if len(leaks) != 2 {
		t.Errorf("leaks = %d, want 2", len(leaks))
	}
	notes, err := f.store.ListUnreadNotifications(ctx, "acme", leak.ChannelInApp)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 2 {
		t.Errorf("notifications = %d, want one per leak", len(notes))
	}
}

func TestWebhook_PaidAfterFailureRecordsRecovery(t *testing.T) {
	f := newWebhookFixture(t, nil)
	ctx := context.Background()

	failed := eventPayload(t, "evt_1", leak.EventInvoicePaymentFailed, failedInvoice("in_1", 500000))
	if rec := f.serve(signedRequest(testToken, testSecret, failed)); rec.Code != http.StatusOK {
		t.Fatalf("failed event status = %d", rec.Code)
	}

	paidInvoice := failedInvoice("in_1", 500000)
	paidInvoice["status"] = "paid"
	paidInvoice["amount_paid"] = 500000
	paid := eventPayload(t, "evt_2", leak.EventInvoicePaid, paidInvoice)
	rec := f.serve(signedRequest(testToken, testSecret, paid))
	if rec.Code != http.StatusOK {
		t.Fatalf("paid event status = %d", rec.Code)
	}
	if !decodeResponse(t, rec).Recovered {
		t.Error("expected a recovery")
	}

	events, err := f.store.ListRecoveryEvents(ctx, "acme", time.Now().AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("list recoveries: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("recoveries = %d, want 1", len(events))
	}
	if events[0].Amount != 500000 || events[0].LeakType != leak.TypeFailedPayments || events[0].LeakID == "" {
		t.Errorf("recovery = %+v", events[0])
	}
}

func TestWebhook_Rejections(t *testing.T) {
	payload := func(t *testing.T) []byte {
		return eventPayload(t, "evt_1", leak.EventInvoicePaymentFailed, failedInvoice("in_1", 1000))
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		req    func(t *testing.T) *http.Request
		want   int
	}{
		{
			name: "unknown token",
			req:  func(t *testing.T) *http.Request { return signedRequest("tok_missing", testSecret, payload(t)) },
			want: http.StatusNotFound,
		},
		{
			name: "account without secret",
			req:  func(t *testing.T) *http.Request { return signedRequest("tok_unconfigured", testSecret, payload(t)) },
			want: http.StatusPreconditionFailed,
		},
		{
			name: "wrong secret",
			req:  func(t *testing.T) *http.Request { return signedRequest(testToken, "whsec_other", payload(t)) },
			want: http.StatusBadRequest,
		},
		{
			name: "missing signature",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/webhooks/stripe/"+testToken, bytes.NewReader(payload(t)))
			},
			want: http.StatusBadRequest,
		},
		{
			name: "empty body",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/webhooks/stripe/"+testToken, http.NoBody)
			},
			want: http.StatusBadRequest,
		},
		{
			name: "wrong method",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodGet, "/webhooks/stripe/"+testToken, nil)
			},
			want: http.StatusMethodNotAllowed,
		},
		{
			name:   "payload too large",
			mutate: func(c *Config) { c.MaxBodyBytes = 64 },
			req:    func(t *testing.T) *http.Request { return signedRequest(testToken, testSecret, payload(t)) },
			want:   http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture(t, tt.mutate)
			rec := f.serve(tt.req(t))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			leaks, err := f.store.ListLeaks(context.Background(), "acme", leak.LeakFilter{})
			if err != nil {
				t.Fatalf("list leaks: %v", err)
			}
			if len(leaks) != 0 {
				t.Errorf("rejected webhook had side effects: %d leaks", len(leaks))
			}
			if len(f.events) != 0 {
				t.Error("callback invoked for rejected webhook")
			}
		})
	}
}

func TestWebhook_InvalidPayloadIsAcknowledged(t *testing.T) {
	f := newWebhookFixture(t, nil)

	noID := failedInvoice("", 1000)
	delete(noID, "id")
	rec := f.serve(signedRequest(testToken, testSecret, eventPayload(t, "evt_1", leak.EventInvoicePaymentFailed, noID)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if !resp.Ignored || resp.Reason == "" {
		t.Errorf("response = %+v", resp)
	}

	badType := failedInvoice("in_1", 1000)
	badType["amount_due"] = "lots"
	rec = f.serve(signedRequest(testToken, testSecret, eventPayload(t, "evt_2", leak.EventInvoicePaymentFailed, badType)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.events) != 0 {
		t.Error("callback invoked for invalid payload")
	}
}

func TestWebhook_UnhandledEventTypeIgnored(t *testing.T) {
	f := newWebhookFixture(t, nil)
	payload := eventPayload(t, "evt_1", "customer.created", map[string]interface{}{"id": "cus_1", "object": "customer"})

	rec := f.serve(signedRequest(testToken, testSecret, payload))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeResponse(t, rec); !resp.Ignored {
		t.Errorf("expected ignored, got %+v", resp)
	}
}

func TestWebhook_RateLimited(t *testing.T) {
	f := newWebhookFixture(t, func(c *Config) {
		c.RateLimitRequests = 1
		c.RateLimitWindow = time.Hour
	})
	payload := eventPayload(t, "evt_1", "customer.created", map[string]interface{}{"id": "cus_1"})

	if rec := f.serve(signedRequest(testToken, testSecret, payload)); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := f.serve(signedRequest(testToken, testSecret, payload))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestRoutingToken(t *testing.T) {
	tests := map[string]string{
		"/webhooks/stripe/tok_1":  "tok_1",
		"/webhooks/stripe/tok_1/": "tok_1",
		"/":                       "",
	}
	for p, want := range tests {
		req := httptest.NewRequest(http.MethodPost, p, strings.NewReader("{}"))
		if got := routingToken(req); got != want {
			t.Errorf("routingToken(%q) = %q, want %q", p, got, want)
		}
	}
}

func TestNewProvider_RequiresEngineAndAccounts(t *testing.T) {
	if _, err := NewProvider(Config{}); err != billing.ErrProviderNotConfigured {
		t.Fatalf("err = %v", err)
	}
}
