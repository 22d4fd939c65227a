// Package firestore provides a Firestore-backed leak.ScanLimiter for
// deployments that run on Google Cloud without Redis.
package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// ScanLimiter counts manual scans per account in a fixed window. Each Allow
// call runs in a Firestore transaction so replicas share one budget.
type ScanLimiter struct {
	client *firestore.Client
	config Config
	now    func() time.Time
}

var _ leak.ScanLimiter = (*ScanLimiter)(nil)

// Config holds Firestore limiter configuration
type Config struct {
	// Collection holds one document per account
	// Default: "leakguard_scan_limits"
	Collection string

	// Limit is the number of scans allowed per Window
	Limit int

	// Window is the fixed window length
	Window time.Duration
}

// DefaultConfig returns the limiter defaults: 5 scans per hour
func DefaultConfig() Config {
	return Config{
		Collection: "leakguard_scan_limits",
		Limit:      5,
		Window:     time.Hour,
	}
}

// NewScanLimiter creates a Firestore scan limiter
func NewScanLimiter(client *firestore.Client, config Config) (*ScanLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	defaults := DefaultConfig()
	if config.Collection == "" {
		config.Collection = defaults.Collection
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
//
//nolint:gocritic // Named return values would reduce readability here
func (l *ScanLimiter) Allow(ctx context.Context, accountID string) (bool, time.Time, error) {
	doc := l.client.Collection(l.config.Collection).Doc(docID(accountID))
	// Firestore keeps microsecond precision
	now := l.now().UTC().Truncate(time.Microsecond)

	var allowed bool
	var resetAt time.Time
	err := l.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		count := 0
		resetAt = now.Add(l.config.Window)

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			data := snap.Data()
			if windowEnd := getTime(data, "resetAt"); now.Before(windowEnd) {
				count = getInt(data, "count")
				resetAt = windowEnd
			}
		}

		if count >= l.config.Limit {
			allowed = false
			return nil
		}
		allowed = true
		return tx.Set(doc, map[string]interface{}{
			"count":     count + 1,
			"resetAt":   resetAt,
			"updatedAt": now,
		})
	})
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to check scan limit: %w", err)
	}
	return allowed, resetAt, nil
}

// docID makes an account id safe to use as a document id
func docID(accountID string) string {
	return strings.ReplaceAll(accountID, "/", "_")
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
