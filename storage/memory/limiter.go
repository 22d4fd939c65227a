package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// ScanLimiter is a fixed-window leak.ScanLimiter kept in process memory.
// Counts are lost on restart and are not shared between replicas.
type ScanLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	count   int
	resetAt time.Time
}

var _ leak.ScanLimiter = (*ScanLimiter)(nil)

// NewScanLimiter allows limit scans per account per window
func NewScanLimiter(limit int, window time.Duration) *ScanLimiter {
	return &ScanLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow implements leak.ScanLimiter
func (l *ScanLimiter) Allow(_ context.Context, accountID string) (bool, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, id)
		}
	}

	b, ok := l.buckets[accountID]
	if !ok {
		b = &bucket{resetAt: now.Add(l.window)}
		l.buckets[accountID] = b
	}
	if b.count >= l.limit {
		return false, b.resetAt, nil
	}
	b.count++
	return true, b.resetAt, nil
}
