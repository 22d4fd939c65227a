package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

const (
	dateLayout   = "2006-01-02"
	maxIDLen     = 255
	maxDays      = 366
	accountParam = "accountID"
)

// Handler serves the per-account read endpoints and the manual scan trigger
type Handler struct {
	config Config
}

func (h *Handler) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, accountParam)
		if accountID == "" || len(accountID) > maxIDLen {
			h.handleError(w, r, fmt.Errorf("invalid account id"), http.StatusBadRequest)
			return
		}
		if !h.config.Authorize(r, accountID) {
			h.handleError(w, r, fmt.Errorf("unauthorized"), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListLeaks handles GET /accounts/{accountID}/leaks?period_start=&period_end=&type=
func (h *Handler) ListLeaks(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, accountParam)
	q := r.URL.Query()

	var filter leak.LeakFilter
	var err error
	if filter.PeriodStart, err = parseDate(q.Get("period_start")); err != nil {
		h.handleError(w, r, fmt.Errorf("period_start: %w", err), http.StatusBadRequest)
		return
	}
	if filter.PeriodEnd, err = parseDate(q.Get("period_end")); err != nil {
		h.handleError(w, r, fmt.Errorf("period_end: %w", err), http.StatusBadRequest)
		return
	}
	if !filter.PeriodStart.IsZero() && !filter.PeriodEnd.IsZero() && filter.PeriodEnd.Before(filter.PeriodStart) {
		h.handleError(w, r, fmt.Errorf("period_end is before period_start"), http.StatusBadRequest)
		return
	}
	filter.Type = leak.Type(q.Get("type"))

	leaks, err := h.config.Service.ListLeaks(r.Context(), accountID, filter)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	if leaks == nil {
		leaks = []leak.Leak{}
	}
	h.writeJSON(w, http.StatusOK, LeaksResponse{AccountID: accountID, Leaks: leaks})
}

// ListRecoveries handles GET /accounts/{accountID}/recoveries?days=
func (h *Handler) ListRecoveries(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, accountParam)

	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDays {
			h.handleError(w, r, fmt.Errorf("days must be between 1 and %d", maxDays), http.StatusBadRequest)
			return
		}
		days = n
	}

	ctx := r.Context()
	events, err := h.config.Service.ListRecoveries(ctx, accountID, days)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	summary, err := h.config.Service.RecoverySummary(ctx, accountID, days)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []leak.RecoveryEvent{}
	}
	h.writeJSON(w, http.StatusOK, RecoveriesResponse{Summary: summary, Events: events})
}

// ListNotifications handles GET /accounts/{accountID}/notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, accountParam)

	notes, err := h.config.Service.ListUnreadNotifications(r.Context(), accountID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	if notes == nil {
		notes = []leak.Notification{}
	}
	h.writeJSON(w, http.StatusOK, NotificationsResponse{AccountID: accountID, Notifications: notes})
}

// MarkNotificationRead handles POST /accounts/{accountID}/notifications/{notificationID}/read
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, accountParam)
	notificationID := chi.URLParam(r, "notificationID")
	if notificationID == "" || len(notificationID) > maxIDLen {
		h.handleError(w, r, fmt.Errorf("invalid notification id"), http.StatusBadRequest)
		return
	}

	if err := h.config.Service.MarkNotificationRead(r.Context(), accountID, notificationID); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Scan handles POST /accounts/{accountID}/scan
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, accountParam)

	report, err := h.config.Service.Scan(r.Context(), accountID)
	if err != nil {
		var rl *leak.RateLimitError
		if errors.As(err, &rl) {
			w.Header().Set("Retry-After", strconv.Itoa(leak.RetryAfterSeconds(rl.ResetAt, time.Now())))
		}
		h.handleServiceError(w, r, err)
		return
	}

	resp := ScanResponse{AccountID: report.AccountID, RanAt: report.RanAt, Leaks: []ScannedLeak{}}
	for _, res := range report.Results {
		if res.Reconciliation != nil && res.Reconciliation.Leak != nil {
			resp.Leaks = append(resp.Leaks, ScannedLeak{Leak: *res.Reconciliation.Leak, Changed: res.Reconciliation.Changed})
		}
		if res.Err != nil {
			resp.Failures = append(resp.Failures, ScanFailure{LeakType: res.Type, Error: res.Err.Error()})
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD")
	}
	return t, nil
}

// handleServiceError maps engine errors to HTTP status codes
func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, leak.ErrAccountNotFound), errors.Is(err, leak.ErrNotificationNotFound):
		h.handleError(w, r, err, http.StatusNotFound)
	case errors.Is(err, leak.ErrValidation):
		h.handleError(w, r, err, http.StatusBadRequest)
	case errors.Is(err, leak.ErrRateLimited):
		h.handleError(w, r, err, http.StatusTooManyRequests)
	case errors.Is(err, leak.ErrTransientStorage):
		h.config.Logger.Error("account api storage failure",
			leak.Field{Key: "path", Value: r.URL.Path},
			leak.Field{Key: "error", Value: err.Error()},
		)
		h.handleError(w, r, leak.ErrTransientStorage, http.StatusServiceUnavailable)
	default:
		h.config.Logger.Error("account api request failed",
			leak.Field{Key: "path", Value: r.URL.Path},
			leak.Field{Key: "error", Value: err.Error()},
		)
		h.handleError(w, r, fmt.Errorf("internal error"), http.StatusInternalServerError)
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, statusCode)
		return
	}
	h.writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Debug("encode response", leak.Field{Key: "error", Value: err.Error()})
	}
}
