// Package redis provides a Redis-backed leak.ScanLimiter shared by every replica.
// The window counter is updated atomically by a Lua script.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// fixedWindow increments the counter and starts the window on the first hit.
// Returns {count, pttl}.
var fixedWindow = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return {count, ttl}
`)

// ScanLimiter implements leak.ScanLimiter with a fixed window per account
type ScanLimiter struct {
	client redis.UniversalClient
	config Config
	now    func() time.Time
}

var _ leak.ScanLimiter = (*ScanLimiter)(nil)

// Config holds Redis limiter configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "leakguard:scan:")
	KeyPrefix string

	// Limit is the number of scans allowed per Window (default: 5)
	Limit int

	// Window is the fixed window length (default: 1h)
	Window time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "leakguard:scan:",
		Limit:     5,
		Window:    time.Hour,
	}
}

// NewScanLimiter creates a limiter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func NewScanLimiter(client redis.UniversalClient, config Config) (*ScanLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.Limit <= 0 {
		config.Limit = defaults.Limit
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	return &ScanLimiter{client: client, config: config, now: time.Now}, nil
}

// Allow implements leak.ScanLimiter
func (l *ScanLimiter) Allow(ctx context.Context, accountID string) (bool, time.Time, error) {
	res, err := fixedWindow.Run(ctx, l.client, []string{l.key(accountID)}, l.config.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to run scan limiter script: %w", err)
	}
	if len(res) != 2 {
		return false, time.Time{}, fmt.Errorf("unexpected scan limiter result %v", res)
	}
	resetAt := l.now().Add(time.Duration(res[1]) * time.Millisecond)
	return res[0] <= int64(l.config.Limit), resetAt, nil
}

// Ping checks the Redis connection
func (l *ScanLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *ScanLimiter) key(accountID string) string {
	return l.config.KeyPrefix + accountID
}
