// Package tiered puts a fast Hot account store in front of a durable Cold
// leak.Storage. Webhook routing resolves an account on every delivery, so
// account reads are served read-through from Hot. Everything else goes
// straight to Cold.
package tiered

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// AccountStorage is a store that can also save accounts
type AccountStorage interface {
	leak.AccountStore
	PutAccount(ctx context.Context, acct *leak.Account) error
}

// ColdStorage is the source of truth
type ColdStorage interface {
	leak.Storage
	PutAccount(ctx context.Context, acct *leak.Account) error
}

// Config configures the tiered storage behavior
type Config struct {
	// Hot caches accounts, e.g. memory.Storage (required)
	Hot AccountStorage

	// Cold is the persistent system of record, e.g. postgres.Storage (required)
	Cold ColdStorage

	// TTL bounds how long a Hot account is served before Cold is consulted
	// again, so credential changes made by other processes are picked up.
	// Default: 1 minute
	TTL time.Duration
}

// Storage implements leak.Storage with read-through accounts.
// Strategies per operation:
//   - Read-Through: GetAccount, GetAccountByWebhookToken (Hot, then Cold, then fill Hot)
//   - Write-Through: PutAccount (Cold, then Hot)
//   - Cold-Only: every other leak.Storage method
type Storage struct {
	ColdStorage
	hot AccountStorage
	ttl time.Duration

	mu      sync.Mutex
	filled  map[string]time.Time
	nowFunc func() time.Time
}

var _ leak.Storage = (*Storage)(nil)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	if config.TTL <= 0 {
		config.TTL = time.Minute
	}
	return &Storage{
		ColdStorage: config.Cold,
		hot:         config.Hot,
		ttl:         config.TTL,
		filled:      make(map[string]time.Time),
		nowFunc:     time.Now,
	}, nil
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetAccount implements leak.AccountStore with read-through strategy.
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*leak.Account, error) {
	if s.fresh(idKey(accountID)) {
		if acct, err := s.hot.GetAccount(ctx, accountID); err == nil {
			return acct, nil
		}
	}

	acct, err := s.ColdStorage.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, acct)
	return acct, nil
}

// GetAccountByWebhookToken implements leak.AccountStore with read-through strategy.
func (s *Storage) GetAccountByWebhookToken(ctx context.Context, token string) (*leak.Account, error) {
	if s.fresh(tokenKey(token)) {
		if acct, err := s.hot.GetAccountByWebhookToken(ctx, token); err == nil {
			return acct, nil
		}
	}

	acct, err := s.ColdStorage.GetAccountByWebhookToken(ctx, token)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, acct)
	return acct, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---

// PutAccount writes Cold first so the account is durable before it is served
func (s *Storage) PutAccount(ctx context.Context, acct *leak.Account) error {
	if err := s.ColdStorage.PutAccount(ctx, acct); err != nil {
		return err
	}
	s.fill(ctx, acct)
	return nil
}

// fill copies acct into Hot. Errors are ignored as it's just a cache fill.
func (s *Storage) fill(ctx context.Context, acct *leak.Account) {
	if err := s.hot.PutAccount(ctx, acct); err != nil {
		return
	}
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filled[idKey(acct.ID)] = now
	if acct.WebhookToken != "" {
		s.filled[tokenKey(acct.WebhookToken)] = now
	}
}

func (s *Storage) fresh(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.filled[key]
	if !ok {
		return false
	}
	if s.nowFunc().Sub(at) >= s.ttl {
		delete(s.filled, key)
		return false
	}
	return true
}

func idKey(id string) string       { return "id:" + id }
func tokenKey(token string) string { return "token:" + token }
