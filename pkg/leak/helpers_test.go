package leak_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/leakguard/pkg/leak"
	"github.com/mihaimyh/leakguard/storage/memory"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func daysAgo(n int) time.Time {
	return testNow.AddDate(0, 0, -n)
}

func newTestEngine(t *testing.T, store leak.Storage, mutate func(*leak.Config)) *leak.Engine {
	t.Helper()
	cfg := &leak.Config{
		Storage: store,
		Clock:   func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(cfg)
	}
	engine, err := leak.NewEngine(cfg)
	require.NoError(t, err)
	return engine
}

func newAccount(t *testing.T, store *memory.Storage, id string, email bool) *leak.Account {
	t.Helper()
	acct := &leak.Account{
		ID:                   id,
		WebhookToken:         "tok_" + id,
		WebhookSecret:        "whsec_" + id,
		EmailReportsDisabled: !email,
	}
	require.NoError(t, store.PutAccount(context.Background(), acct))
	return acct
}

func seedInvoice(t *testing.T, store *memory.Storage, rec leak.InvoiceRecord) {
	t.Helper()
	if rec.SourceUpdatedAt.IsZero() {
		rec.SourceUpdatedAt = rec.Created
	}
	_, err := store.UpsertInvoice(context.Background(), &rec)
	require.NoError(t, err)
}

func seedChurn(t *testing.T, store *memory.Storage, accountID string, baseline, recent float64, mrr int64) {
	t.Helper()
	for i := 13; i >= 0; i-- {
		rate := baseline
		if i < 7 {
			rate = recent
		}
		snap := &leak.MetricSnapshot{AccountID: accountID, Date: leak.DateOf(daysAgo(i)), MRR: mrr, ChurnRate: rate, NRR: 100}
		require.NoError(t, store.PutMetricSnapshot(context.Background(), snap))
	}
}

func invoiceEvent(id, typ, invoiceID, status string, due, paid int64, created time.Time) *leak.Event {
	return &leak.Event{
		ID:       id,
		Type:     typ,
		Created:  testNow,
		LiveMode: true,
		Invoice: &leak.InvoiceRecord{
			InvoiceID:  invoiceID,
			Status:     status,
			AmountDue:  due,
			AmountPaid: paid,
			Created:    created,
		},
	}
}

// recordingSender captures sends and optionally fails them
type recordingSender struct {
	mu   sync.Mutex
	sent []*leak.Notification
	err  error
}

func (s *recordingSender) Send(_ context.Context, _ *leak.Account, n *leak.Notification) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, n)
	return "msg_" + n.ID, nil
}

// failingLeakStore fails ReplaceLeak for one leak type
type failingLeakStore struct {
	*memory.Storage
	failType leak.Type
}

func (f *failingLeakStore) ReplaceLeak(ctx context.Context, l *leak.Leak) (*leak.Leak, error) {
	if l.Type == f.failType {
		return nil, errors.New("connection reset")
	}
	return f.Storage.ReplaceLeak(ctx, l)
}

// fixedLimiter allows a fixed number of scans
type fixedLimiter struct {
	remaining int
}

func (l *fixedLimiter) Allow(_ context.Context, _ string) (bool, time.Time, error) {
	if l.remaining <= 0 {
		return false, testNow.Add(time.Hour), nil
	}
	l.remaining--
	return true, testNow.Add(time.Hour), nil
}
