// Package postgres provides a PostgreSQL implementation of the leak.Storage interface.
// Leak replacement runs in a transaction serialized by an advisory lock on the leak
// key; recovery and notification idempotency rely on unique constraints.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

//go:embed schema.sql
var schema string

// Storage implements leak.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

var _ leak.Storage = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	Retention       time.Duration // Age after which leaks and read notifications are pruned
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 6 * time.Hour,
		Retention:       400 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled && config.CleanupInterval > 0 && config.Retention > 0 {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Migrate creates the tables and indexes if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PutAccount registers or replaces an account
func (s *Storage) PutAccount(ctx context.Context, acct *leak.Account) error {
	if acct == nil || acct.ID == "" || acct.WebhookToken == "" {
		return fmt.Errorf("invalid account")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, webhook_token, webhook_secret, email_reports_disabled, live_mode_only)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				webhook_token = EXCLUDED.webhook_token,
				webhook_secret = EXCLUDED.webhook_secret,
				email_reports_disabled = EXCLUDED.email_reports_disabled,
				live_mode_only = EXCLUDED.live_mode_only`,
		acct.ID, acct.WebhookToken, acct.WebhookSecret, acct.EmailReportsDisabled, acct.LiveModeOnly,
	)
	if err != nil {
		return fmt.Errorf("failed to put account: %w", err)
	}
	return nil
}

const accountColumns = `id, webhook_token, webhook_secret, email_reports_disabled, live_mode_only`

// GetAccount implements leak.AccountStore
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*leak.Account, error) {
	return s.queryAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID)
}

// GetAccountByWebhookToken implements leak.AccountStore
func (s *Storage) GetAccountByWebhookToken(ctx context.Context, token string) (*leak.Account, error) {
	if token == "" {
		return nil, leak.ErrAccountNotFound
	}
	return s.queryAccount(ctx, `SELECT `+accountColumns+` FROM accounts WHERE webhook_token = $1`, token)
}

func (s *Storage) queryAccount(ctx context.Context, sql string, arg string) (*leak.Account, error) {
	var acct leak.Account
	err := s.pool.QueryRow(ctx, sql, arg).Scan(
		&acct.ID, &acct.WebhookToken, &acct.WebhookSecret, &acct.EmailReportsDisabled, &acct.LiveModeOnly,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, leak.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acct, nil
}

const invoiceColumns = `account_id, invoice_id, status, amount_due, amount_paid, attempt_count,
	next_payment_attempt, created_at, source_updated_at`

// GetInvoice implements leak.CacheStore
func (s *Storage) GetInvoice(ctx context.Context, accountID, invoiceID string) (*leak.InvoiceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE account_id = $1 AND invoice_id = $2`,
		accountID, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	recs, err := collectInvoices(rows)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

// UpsertInvoice implements leak.CacheStore. The row is only overwritten when the
// stored state is not newer than the incoming one.
func (s *Storage) UpsertInvoice(ctx context.Context, rec *leak.InvoiceRecord) (bool, error) {
	if rec == nil || rec.AccountID == "" || rec.InvoiceID == "" {
		return false, fmt.Errorf("invalid invoice record")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO invoices (`+invoiceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (account_id, invoice_id) DO UPDATE SET
				status = EXCLUDED.status,
				amount_due = EXCLUDED.amount_due,
				amount_paid = EXCLUDED.amount_paid,
				attempt_count = EXCLUDED.attempt_count,
				next_payment_attempt = EXCLUDED.next_payment_attempt,
				created_at = EXCLUDED.created_at,
				source_updated_at = EXCLUDED.source_updated_at
			WHERE invoices.source_updated_at <= EXCLUDED.source_updated_at`,
		rec.AccountID, rec.InvoiceID, rec.Status, rec.AmountDue, rec.AmountPaid, rec.AttemptCount,
		rec.NextPaymentAttempt, rec.Created.UTC(), rec.SourceUpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListInvoices implements leak.CacheReader
func (s *Storage) ListInvoices(ctx context.Context, accountID string, since time.Time) ([]leak.InvoiceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
			WHERE account_id = $1 AND created_at >= $2
			ORDER BY created_at, invoice_id`,
		accountID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	return collectInvoices(rows)
}

func collectInvoices(rows pgx.Rows) ([]leak.InvoiceRecord, error) {
	defer rows.Close()
	var out []leak.InvoiceRecord
	for rows.Next() {
		var rec leak.InvoiceRecord
		if err := rows.Scan(
			&rec.AccountID, &rec.InvoiceID, &rec.Status, &rec.AmountDue, &rec.AmountPaid, &rec.AttemptCount,
			&rec.NextPaymentAttempt, &rec.Created, &rec.SourceUpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		rec.Created = rec.Created.UTC()
		rec.SourceUpdatedAt = rec.SourceUpdatedAt.UTC()
		rec.NextPaymentAttempt = utcPtr(rec.NextPaymentAttempt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read invoices: %w", err)
	}
	return out, nil
}

const subscriptionColumns = `account_id, subscription_id, status, monthly_amount, price_id, plan_label,
	created_at, canceled_at, source_updated_at`

// UpsertSubscription implements leak.CacheStore with the same staleness rule as UpsertInvoice
func (s *Storage) UpsertSubscription(ctx context.Context, rec *leak.SubscriptionRecord) (bool, error) {
	if rec == nil || rec.AccountID == "" || rec.SubscriptionID == "" {
		return false, fmt.Errorf("invalid subscription record")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (account_id, subscription_id) DO UPDATE SET
				status = EXCLUDED.status,
				monthly_amount = EXCLUDED.monthly_amount,
				price_id = EXCLUDED.price_id,
				plan_label = EXCLUDED.plan_label,
				created_at = EXCLUDED.created_at,
				canceled_at = EXCLUDED.canceled_at,
				source_updated_at = EXCLUDED.source_updated_at
			WHERE subscriptions.source_updated_at <= EXCLUDED.source_updated_at`,
		rec.AccountID, rec.SubscriptionID, rec.Status, rec.MonthlyAmount, rec.PriceID, rec.PlanLabel,
		rec.Created.UTC(), rec.CanceledAt, rec.SourceUpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListSubscriptions implements leak.CacheReader
func (s *Storage) ListSubscriptions(ctx context.Context, accountID string) ([]leak.SubscriptionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE account_id = $1 ORDER BY created_at, subscription_id`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []leak.SubscriptionRecord
	for rows.Next() {
		var rec leak.SubscriptionRecord
		if err := rows.Scan(
			&rec.AccountID, &rec.SubscriptionID, &rec.Status, &rec.MonthlyAmount, &rec.PriceID, &rec.PlanLabel,
			&rec.Created, &rec.CanceledAt, &rec.SourceUpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		rec.Created = rec.Created.UTC()
		rec.SourceUpdatedAt = rec.SourceUpdatedAt.UTC()
		rec.CanceledAt = utcPtr(rec.CanceledAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subscriptions: %w", err)
	}
	return out, nil
}

// PutMetricSnapshot implements leak.CacheStore
func (s *Storage) PutMetricSnapshot(ctx context.Context, snap *leak.MetricSnapshot) error {
	if snap == nil || snap.AccountID == "" || snap.Date.IsZero() {
		return fmt.Errorf("invalid metric snapshot")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO metric_snapshots (account_id, snapshot_date, mrr, churn_rate, nrr)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (account_id, snapshot_date) DO UPDATE SET
				mrr = EXCLUDED.mrr,
				churn_rate = EXCLUDED.churn_rate,
				nrr = EXCLUDED.nrr`,
		snap.AccountID, leak.DateOf(snap.Date), snap.MRR, snap.ChurnRate, snap.NRR,
	)
	if err != nil {
		return fmt.Errorf("failed to put metric snapshot: %w", err)
	}
	return nil
}

// ListMetricSnapshots implements leak.CacheReader
func (s *Storage) ListMetricSnapshots(ctx context.Context, accountID string, since time.Time) ([]leak.MetricSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, snapshot_date, mrr, churn_rate, nrr FROM metric_snapshots
			WHERE account_id = $1 AND snapshot_date >= $2
			ORDER BY snapshot_date`,
		accountID, leak.DateOf(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list metric snapshots: %w", err)
	}
	defer rows.Close()

	var out []leak.MetricSnapshot
	for rows.Next() {
		var snap leak.MetricSnapshot
		if err := rows.Scan(&snap.AccountID, &snap.Date, &snap.MRR, &snap.ChurnRate, &snap.NRR); err != nil {
			return nil, fmt.Errorf("failed to scan metric snapshot: %w", err)
		}
		snap.Date = leak.DateOf(snap.Date)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metric snapshots: %w", err)
	}
	return out, nil
}

const leakColumns = `id, account_id, leak_type, period_start, period_end, lost_amount, recoverable_amount,
	severity, confidence, title, summary, recommended_action, evidence, created_at`

// ReplaceLeak implements leak.LeakStore. Concurrent replacements of the same key
// are serialized by a transaction-scoped advisory lock.
func (s *Storage) ReplaceLeak(ctx context.Context, l *leak.Leak) (*leak.Leak, error) {
	if l == nil || l.AccountID == "" || !l.Type.Valid() {
		return nil, leak.ErrInvalidLeak
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	evidence, err := marshalJSON(l.Evidence)
	if err != nil {
		return nil, fmt.Errorf("failed to encode evidence: %w", err)
	}
	key := l.Key()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key.String()); err != nil {
		return nil, fmt.Errorf("failed to lock leak key: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+leakColumns+` FROM leaks
			WHERE account_id = $1 AND leak_type = $2 AND period_end = $3`,
		key.AccountID, string(key.Type), key.PeriodEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to read previous leak: %w", err)
	}
	prev, err := collectLeaks(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM leaks WHERE account_id = $1 AND leak_type = $2 AND period_end = $3`,
		key.AccountID, string(key.Type), key.PeriodEnd,
	); err != nil {
		return nil, fmt.Errorf("failed to delete previous leak: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO leaks (`+leakColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		l.ID, l.AccountID, string(l.Type), leak.DateOf(l.PeriodStart), key.PeriodEnd,
		l.LostAmount, l.RecoverableAmount, string(l.Severity), l.Confidence,
		l.Title, l.Summary, l.RecommendedAction, evidence, l.CreatedAt.UTC(),
	); err != nil {
		return nil, fmt.Errorf("failed to insert leak: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit leak replacement: %w", err)
	}

	if len(prev) == 0 {
		return nil, nil
	}
	return &prev[0], nil
}

// ListLeaks implements leak.LeakStore
func (s *Storage) ListLeaks(ctx context.Context, accountID string, f leak.LeakFilter) ([]leak.Leak, error) {
	sql := `SELECT ` + leakColumns + ` FROM leaks WHERE account_id = $1`
	args := []interface{}{accountID}
	if f.Type != "" {
		args = append(args, string(f.Type))
		sql += fmt.Sprintf(` AND leak_type = $%d`, len(args))
	}
	if !f.PeriodStart.IsZero() {
		args = append(args, leak.DateOf(f.PeriodStart))
		sql += fmt.Sprintf(` AND period_end >= $%d`, len(args))
	}
	if !f.PeriodEnd.IsZero() {
		args = append(args, leak.DateOf(f.PeriodEnd))
		sql += fmt.Sprintf(` AND period_end <= $%d`, len(args))
	}
	sql += ` ORDER BY period_end DESC, leak_type`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list leaks: %w", err)
	}
	return collectLeaks(rows)
}

// LatestLeak implements leak.LeakStore
func (s *Storage) LatestLeak(ctx context.Context, accountID string, t leak.Type, since time.Time) (*leak.Leak, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+leakColumns+` FROM leaks
			WHERE account_id = $1 AND leak_type = $2 AND period_end >= $3
			ORDER BY created_at DESC LIMIT 1`,
		accountID, string(t), leak.DateOf(since))
	if err != nil {
		return nil, fmt.Errorf("failed to get latest leak: %w", err)
	}
	leaks, err := collectLeaks(rows)
	if err != nil || len(leaks) == 0 {
		return nil, err
	}
	return &leaks[0], nil
}

func collectLeaks(rows pgx.Rows) ([]leak.Leak, error) {
	defer rows.Close()
	var out []leak.Leak
	for rows.Next() {
		var (
			l        leak.Leak
			leakType string
			severity string
			evidence []byte
		)
		if err := rows.Scan(
			&l.ID, &l.AccountID, &leakType, &l.PeriodStart, &l.PeriodEnd, &l.LostAmount, &l.RecoverableAmount,
			&severity, &l.Confidence, &l.Title, &l.Summary, &l.RecommendedAction, &evidence, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan leak: %w", err)
		}
		l.Type = leak.Type(leakType)
		l.Severity = leak.Severity(severity)
		l.PeriodStart = leak.DateOf(l.PeriodStart)
		l.PeriodEnd = leak.DateOf(l.PeriodEnd)
		l.CreatedAt = l.CreatedAt.UTC()
		if err := json.Unmarshal(evidence, &l.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode evidence for leak %s: %w", l.ID, err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read leaks: %w", err)
	}
	return out, nil
}

// InsertRecoveryEvent implements leak.RecoveryStore
func (s *Storage) InsertRecoveryEvent(ctx context.Context, ev *leak.RecoveryEvent) (bool, error) {
	if ev == nil || ev.AccountID == "" || ev.InvoiceID == "" || ev.SourceEvent == "" {
		return false, fmt.Errorf("invalid recovery event")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	metadata, err := marshalJSON(ev.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode recovery metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO recovery_events
				(id, account_id, invoice_id, amount, recovered_at, leak_type, leak_id, source_event, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (account_id, invoice_id, source_event) DO NOTHING`,
		ev.ID, ev.AccountID, ev.InvoiceID, ev.Amount, ev.RecoveredAt.UTC(),
		string(ev.LeakType), ev.LeakID, ev.SourceEvent, metadata,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert recovery event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListRecoveryEvents implements leak.RecoveryStore
func (s *Storage) ListRecoveryEvents(ctx context.Context, accountID string, since time.Time) ([]leak.RecoveryEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, invoice_id, amount, recovered_at, leak_type, leak_id, source_event, metadata
			FROM recovery_events
			WHERE account_id = $1 AND recovered_at >= $2
			ORDER BY recovered_at DESC, id`,
		accountID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery events: %w", err)
	}
	defer rows.Close()

	var out []leak.RecoveryEvent
	for rows.Next() {
		var (
			ev       leak.RecoveryEvent
			leakType string
			metadata []byte
		)
		if err := rows.Scan(
			&ev.ID, &ev.AccountID, &ev.InvoiceID, &ev.Amount, &ev.RecoveredAt,
			&leakType, &ev.LeakID, &ev.SourceEvent, &metadata,
		); err != nil {
			return nil, fmt.Errorf("failed to scan recovery event: %w", err)
		}
		ev.LeakType = leak.Type(leakType)
		ev.RecoveredAt = ev.RecoveredAt.UTC()
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for recovery %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read recovery events: %w", err)
	}
	return out, nil
}

// InsertNotification implements leak.NotificationStore
func (s *Storage) InsertNotification(ctx context.Context, n *leak.Notification) (bool, error) {
	if n == nil || n.AccountID == "" || n.LeakID == "" || n.Channel == "" {
		return false, fmt.Errorf("invalid notification")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, account_id, leak_id, channel, severity, title, message, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (leak_id, channel) DO NOTHING`,
		n.ID, n.AccountID, n.LeakID, string(n.Channel), string(n.Severity), n.Title, n.Message, n.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert notification: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkNotificationDelivered implements leak.NotificationStore
func (s *Storage) MarkNotificationDelivered(ctx context.Context, id, providerMessageID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET provider_message_id = $2, delivered_at = $3 WHERE id = $1`,
		id, providerMessageID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark notification delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return leak.ErrNotificationNotFound
	}
	return nil
}

// ListUnreadNotifications implements leak.NotificationStore
func (s *Storage) ListUnreadNotifications(ctx context.Context, accountID string, ch leak.Channel) ([]leak.Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, leak_id, channel, severity, title, message,
				provider_message_id, created_at, delivered_at, read_at
			FROM notifications
			WHERE account_id = $1 AND channel = $2 AND read_at IS NULL
			ORDER BY created_at DESC, id`,
		accountID, string(ch))
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []leak.Notification
	for rows.Next() {
		var (
			n          leak.Notification
			channel    string
			severity   string
			providerID *string
		)
		if err := rows.Scan(
			&n.ID, &n.AccountID, &n.LeakID, &channel, &severity, &n.Title, &n.Message,
			&providerID, &n.CreatedAt, &n.DeliveredAt, &n.ReadAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Channel = leak.Channel(channel)
		n.Severity = leak.Severity(severity)
		if providerID != nil {
			n.ProviderMessageID = *providerID
		}
		n.CreatedAt = n.CreatedAt.UTC()
		n.DeliveredAt = utcPtr(n.DeliveredAt)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}
	return out, nil
}

// MarkNotificationRead implements leak.NotificationStore. Marking an already
// read notification keeps the first read time.
func (s *Storage) MarkNotificationRead(ctx context.Context, accountID, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET read_at = COALESCE(read_at, $3) WHERE account_id = $1 AND id = $2`,
		accountID, id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return leak.ErrNotificationNotFound
	}
	return nil
}

// startCleanup runs periodic pruning until Close is called
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // next tick retries
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes leaks whose window ended before the retention horizon and read
// notifications created before it. Recovery events are kept.
func (s *Storage) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.Retention)

	if _, err := s.pool.Exec(ctx, `DELETE FROM leaks WHERE period_end < $1`, leak.DateOf(cutoff)); err != nil {
		return fmt.Errorf("failed to cleanup leaks: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM notifications WHERE read_at IS NOT NULL AND created_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup notifications: %w", err)
	}
	return nil
}

func marshalJSON(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
