package tiered

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/leakguard/pkg/leak"
	"github.com/mihaimyh/leakguard/storage/memory"
)

// countingCold counts account reads that reach Cold
type countingCold struct {
	*memory.Storage
	reads int
	fail  bool
}

func (c *countingCold) GetAccount(ctx context.Context, id string) (*leak.Account, error) {
	c.reads++
	if c.fail {
		return nil, errors.New("connection refused")
	}
	return c.Storage.GetAccount(ctx, id)
}

func (c *countingCold) GetAccountByWebhookToken(ctx context.Context, token string) (*leak.Account, error) {
	c.reads++
	if c.fail {
		return nil, errors.New("connection refused")
	}
	return c.Storage.GetAccountByWebhookToken(ctx, token)
}

func setup(t *testing.T) (*Storage, *countingCold, *memory.Storage) {
	t.Helper()
	cold := &countingCold{Storage: memory.New()}
	hot := memory.New()
	s, err := New(Config{Hot: hot, Cold: cold, TTL: time.Minute})
	require.NoError(t, err)
	return s, cold, hot
}

func TestNew(t *testing.T) {
	t.Run("nil hot storage", func(t *testing.T) {
		_, err := New(Config{Cold: &countingCold{Storage: memory.New()}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("nil cold storage", func(t *testing.T) {
		_, err := New(Config{Hot: memory.New()})
		require.Error(t, err)
	})

	t.Run("default ttl", func(t *testing.T) {
		s, err := New(Config{Hot: memory.New(), Cold: &countingCold{Storage: memory.New()}})
		require.NoError(t, err)
		assert.Equal(t, time.Minute, s.ttl)
	})
}

func TestReadThrough(t *testing.T) {
	ctx := context.Background()
	s, cold, hot := setup(t)
	require.NoError(t, cold.Storage.PutAccount(ctx, &leak.Account{ID: "acct_1", WebhookToken: "tok_1"}))

	acct, err := s.GetAccountByWebhookToken(ctx, "tok_1")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", acct.ID)
	assert.Equal(t, 1, cold.reads)

	// filled into Hot, served without touching Cold
	_, err = hot.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = s.GetAccountByWebhookToken(ctx, "tok_1")
		require.NoError(t, err)
		_, err = s.GetAccount(ctx, "acct_1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, cold.reads)
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s, cold, _ := setup(t)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }
	require.NoError(t, cold.Storage.PutAccount(ctx, &leak.Account{ID: "acct_1", WebhookToken: "tok_1", WebhookSecret: "old"}))

	_, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)

	// rotated by another process
	require.NoError(t, cold.Storage.PutAccount(ctx, &leak.Account{ID: "acct_1", WebhookToken: "tok_1", WebhookSecret: "new"}))

	acct, err := s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "old", acct.WebhookSecret, "served from Hot within TTL")

	now = now.Add(time.Minute)
	acct, err = s.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "new", acct.WebhookSecret)
	assert.Equal(t, 2, cold.reads)
}

func TestNotFoundIsNotCached(t *testing.T) {
	ctx := context.Background()
	s, cold, _ := setup(t)

	_, err := s.GetAccountByWebhookToken(ctx, "tok_missing")
	assert.ErrorIs(t, err, leak.ErrAccountNotFound)

	require.NoError(t, s.PutAccount(ctx, &leak.Account{ID: "acct_2", WebhookToken: "tok_missing"}))
	acct, err := s.GetAccountByWebhookToken(ctx, "tok_missing")
	require.NoError(t, err)
	assert.Equal(t, "acct_2", acct.ID)
	assert.Equal(t, 1, cold.reads, "write-through fills Hot")
}

func TestColdFailure(t *testing.T) {
	ctx := context.Background()
	s, cold, _ := setup(t)
	cold.fail = true

	_, err := s.GetAccount(ctx, "acct_1")
	assert.Error(t, err)
}

func TestColdOnlyDelegation(t *testing.T) {
	ctx := context.Background()
	s, cold, _ := setup(t)

	applied, err := s.UpsertInvoice(ctx, &leak.InvoiceRecord{
		AccountID: "acct_1", InvoiceID: "in_1", Status: leak.InvoiceStatusOpen, SourceUpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, applied)

	rec, err := cold.GetInvoice(ctx, "acct_1", "in_1")
	require.NoError(t, err)
	require.NotNil(t, rec)
}
