package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/leakguard/pkg/billing"
)

// Routes registers the account endpoints on r
func (h *Handler) Routes(r chi.Router) {
	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Use(h.authorize)
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/leaks", h.ListLeaks)
		r.Get("/recoveries", h.ListRecoveries)
		r.Get("/notifications", h.ListNotifications)
		r.Post("/notifications/{notificationID}/read", h.MarkNotificationRead)
		r.Post("/scan", h.Scan)
	})
}

// NewRouter builds the service router: account endpoints plus one webhook
// route per provider at POST /webhooks/{provider}/{token}
func NewRouter(h *Handler, providers ...billing.Provider) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok")) //nolint:errcheck // client went away
	})
	for _, p := range providers {
		r.Method(http.MethodPost, "/webhooks/"+p.Name()+"/{token}", p.WebhookHandler())
	}
	if h != nil {
		h.Routes(r)
	}
	return r
}
