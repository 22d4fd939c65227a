package api

import (
	"time"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// LeaksResponse lists an account's leaks
type LeaksResponse struct {
	AccountID string      `json:"account_id"`
	Leaks     []leak.Leak `json:"leaks"`
}

// RecoveriesResponse is the recovery summary plus the events it totals
type RecoveriesResponse struct {
	Summary *leak.RecoverySummary `json:"summary"`
	Events  []leak.RecoveryEvent  `json:"events"`
}

// NotificationsResponse lists unread in-app notifications
type NotificationsResponse struct {
	AccountID     string              `json:"account_id"`
	Notifications []leak.Notification `json:"notifications"`
}

// ScanResponse is the result of a manual scan
type ScanResponse struct {
	AccountID string        `json:"account_id"`
	RanAt     time.Time     `json:"ran_at"`
	Leaks     []ScannedLeak `json:"leaks"`
	Failures  []ScanFailure `json:"failures,omitempty"`
}

// ScannedLeak is a persisted leak and whether the scan changed it
type ScannedLeak struct {
	leak.Leak
	Changed bool `json:"changed"`
}

// ScanFailure is a detector that failed during the scan
type ScanFailure struct {
	LeakType leak.Type `json:"leak_type"`
	Error    string    `json:"error"`
}
