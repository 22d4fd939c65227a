// Package memory provides an in-memory implementation of the leak.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// Storage implements leak.Storage using in-memory maps
type Storage struct {
	mu sync.RWMutex

	accounts      map[string]*leak.Account
	tokens        map[string]string // webhook token -> account id
	invoices      map[string]*leak.InvoiceRecord
	subscriptions map[string]*leak.SubscriptionRecord
	snapshots     map[string]*leak.MetricSnapshot
	leaks         map[string]*leak.Leak // leak id -> leak
	recoveries    []*leak.RecoveryEvent
	recoveryKeys  map[string]struct{}
	notifications map[string]*leak.Notification // notification id -> notification
	notifyKeys    map[string]string             // leak id + channel -> notification id
}

var _ leak.Storage = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		accounts:      make(map[string]*leak.Account),
		tokens:        make(map[string]string),
		invoices:      make(map[string]*leak.InvoiceRecord),
		subscriptions: make(map[string]*leak.SubscriptionRecord),
		snapshots:     make(map[string]*leak.MetricSnapshot),
		leaks:         make(map[string]*leak.Leak),
		recoveryKeys:  make(map[string]struct{}),
		notifications: make(map[string]*leak.Notification),
		notifyKeys:    make(map[string]string),
	}
}

// PutAccount registers or replaces an account
func (s *Storage) PutAccount(_ context.Context, acct *leak.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.accounts[acct.ID]; ok && old.WebhookToken != "" {
		delete(s.tokens, old.WebhookToken)
	}
	a := *acct
	s.accounts[a.ID] = &a
	if a.WebhookToken != "" {
		s.tokens[a.WebhookToken] = a.ID
	}
	return nil
}

// GetAccount implements leak.AccountStore
func (s *Storage) GetAccount(_ context.Context, accountID string) (*leak.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, leak.ErrAccountNotFound
	}
	out := *a
	return &out, nil
}

// GetAccountByWebhookToken implements leak.AccountStore
func (s *Storage) GetAccountByWebhookToken(_ context.Context, token string) (*leak.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[token]
	if !ok || token == "" {
		return nil, leak.ErrAccountNotFound
	}
	out := *s.accounts[id]
	return &out, nil
}

// GetInvoice implements leak.CacheStore
func (s *Storage) GetInvoice(_ context.Context, accountID, invoiceID string) (*leak.InvoiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[key(accountID, invoiceID)]
	if !ok {
		return nil, nil
	}
	out := *inv
	return &out, nil
}

// UpsertInvoice implements leak.CacheStore
func (s *Storage) UpsertInvoice(_ context.Context, rec *leak.InvoiceRecord) (bool, error) {
	if rec == nil || rec.AccountID == "" || rec.InvoiceID == "" {
		return false, fmt.Errorf("invalid invoice record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(rec.AccountID, rec.InvoiceID)
	if cur, ok := s.invoices[k]; ok && cur.SourceUpdatedAt.After(rec.SourceUpdatedAt) {
		return false, nil
	}
	r := *rec
	s.invoices[k] = &r
	return true, nil
}

// UpsertSubscription implements leak.CacheStore
func (s *Storage) UpsertSubscription(_ context.Context, rec *leak.SubscriptionRecord) (bool, error) {
	if rec == nil || rec.AccountID == "" || rec.SubscriptionID == "" {
		return false, fmt.Errorf("invalid subscription record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(rec.AccountID, rec.SubscriptionID)
	if cur, ok := s.subscriptions[k]; ok && cur.SourceUpdatedAt.After(rec.SourceUpdatedAt) {
		return false, nil
	}
	r := *rec
	s.subscriptions[k] = &r
	return true, nil
}

// PutMetricSnapshot implements leak.CacheStore
func (s *Storage) PutMetricSnapshot(_ context.Context, snap *leak.MetricSnapshot) error {
	if snap == nil || snap.AccountID == "" || snap.Date.IsZero() {
		return fmt.Errorf("invalid metric snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sn := *snap
	sn.Date = leak.DateOf(sn.Date)
	s.snapshots[key(sn.AccountID, sn.Date.Format("2006-01-02"))] = &sn
	return nil
}

// ListInvoices implements leak.CacheReader
func (s *Storage) ListInvoices(_ context.Context, accountID string, since time.Time) ([]leak.InvoiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []leak.InvoiceRecord
	for _, inv := range s.invoices {
		if inv.AccountID == accountID && !inv.Created.Before(since) {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].InvoiceID < out[j].InvoiceID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

// ListSubscriptions implements leak.CacheReader
func (s *Storage) ListSubscriptions(_ context.Context, accountID string) ([]leak.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []leak.SubscriptionRecord
	for _, sub := range s.subscriptions {
		if sub.AccountID == accountID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriptionID < out[j].SubscriptionID })
	return out, nil
}

// ListMetricSnapshots implements leak.CacheReader
func (s *Storage) ListMetricSnapshots(_ context.Context, accountID string, since time.Time) ([]leak.MetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []leak.MetricSnapshot
	for _, sn := range s.snapshots {
		if sn.AccountID == accountID && !sn.Date.Before(since) {
			out = append(out, *sn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// ReplaceLeak implements leak.LeakStore. The read, delete and insert happen under
// one write lock.
func (s *Storage) ReplaceLeak(_ context.Context, l *leak.Leak) (*leak.Leak, error) {
	if l == nil || l.AccountID == "" || !l.Type.Valid() {
		return nil, leak.ErrInvalidLeak
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := l.Key()
	var prev *leak.Leak
	for id, cur := range s.leaks {
		if cur.Key() != k {
			continue
		}
		if prev == nil || cur.CreatedAt.After(prev.CreatedAt) {
			prev = cur
		}
		delete(s.leaks, id)
	}

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	stored := copyLeak(l)
	s.leaks[stored.ID] = stored

	if prev == nil {
		return nil, nil
	}
	return copyLeak(prev), nil
}

// ListLeaks implements leak.LeakStore
func (s *Storage) ListLeaks(_ context.Context, accountID string, f leak.LeakFilter) ([]leak.Leak, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []leak.Leak
	for _, l := range s.leaks {
		if l.AccountID != accountID {
			continue
		}
		if f.Type != "" && l.Type != f.Type {
			continue
		}
		if !f.PeriodStart.IsZero() && l.PeriodEnd.Before(f.PeriodStart) {
			continue
		}
		if !f.PeriodEnd.IsZero() && l.PeriodEnd.After(f.PeriodEnd) {
			continue
		}
		out = append(out, *copyLeak(l))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodEnd.Equal(out[j].PeriodEnd) {
			return out[i].PeriodEnd.After(out[j].PeriodEnd)
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// LatestLeak implements leak.LeakStore
func (s *Storage) LatestLeak(_ context.Context, accountID string, t leak.Type, since time.Time) (*leak.Leak, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *leak.Leak
	for _, l := range s.leaks {
		if l.AccountID != accountID || l.Type != t || l.PeriodEnd.Before(since) {
			continue
		}
		if best == nil || l.CreatedAt.After(best.CreatedAt) {
			best = l
		}
	}
	if best == nil {
		return nil, nil
	}
	return copyLeak(best), nil
}

// InsertRecoveryEvent implements leak.RecoveryStore
func (s *Storage) InsertRecoveryEvent(_ context.Context, ev *leak.RecoveryEvent) (bool, error) {
	if ev == nil || ev.AccountID == "" || ev.InvoiceID == "" {
		return false, fmt.Errorf("invalid recovery event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(ev.AccountID, ev.InvoiceID, ev.SourceEvent)
	if _, exists := s.recoveryKeys[k]; exists {
		return false, nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	e := *ev
	e.Metadata = copyMap(ev.Metadata)
	s.recoveries = append(s.recoveries, &e)
	s.recoveryKeys[k] = struct{}{}
	return true, nil
}

// ListRecoveryEvents implements leak.RecoveryStore
func (s *Storage) ListRecoveryEvents(_ context.Context, accountID string, since time.Time) ([]leak.RecoveryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []leak.RecoveryEvent
	for _, ev := range s.recoveries {
		if ev.AccountID == accountID && !ev.RecoveredAt.Before(since) {
			e := *ev
			e.Metadata = copyMap(ev.Metadata)
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecoveredAt.After(out[j].RecoveredAt) })
	return out, nil
}

// InsertNotification implements leak.NotificationStore
func (s *Storage) InsertNotification(_ context.Context, n *leak.Notification) (bool, error) {
	if n == nil || n.AccountID == "" || n.LeakID == "" {
		return false, fmt.Errorf("invalid notification")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(n.LeakID, string(n.Channel))
	if _, exists := s.notifyKeys[k]; exists {
		return false, nil
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	c := *n
	s.notifications[c.ID] = &c
	s.notifyKeys[k] = c.ID
	return true, nil
}

// MarkNotificationDelivered implements leak.NotificationStore
func (s *Storage) MarkNotificationDelivered(_ context.Context, id, providerMessageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return leak.ErrNotificationNotFound
	}
	n.ProviderMessageID = providerMessageID
	n.DeliveredAt = &at
	return nil
}

// ListUnreadNotifications implements leak.NotificationStore
func (s *Storage) ListUnreadNotifications(_ context.Context, accountID string, ch leak.Channel) ([]leak.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []leak.Notification
	for _, n := range s.notifications {
		if n.AccountID == accountID && n.Channel == ch && n.ReadAt == nil {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// MarkNotificationRead implements leak.NotificationStore
func (s *Storage) MarkNotificationRead(_ context.Context, accountID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok || n.AccountID != accountID {
		return leak.ErrNotificationNotFound
	}
	if n.ReadAt == nil {
		n.ReadAt = &at
	}
	return nil
}

// Notification returns a stored notification by id
func (s *Storage) Notification(id string) (*leak.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, false
	}
	out := *n
	return &out, true
}

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += "\x00"
		}
		k += p
	}
	return k
}

func copyLeak(l *leak.Leak) *leak.Leak {
	c := *l
	c.Evidence = copyMap(l.Evidence)
	return &c
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
