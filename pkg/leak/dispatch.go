package leak

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// Sender delivers a notification through an external transport and returns the
// provider's message id.
type Sender interface {
	Send(ctx context.Context, acct *Account, n *Notification) (string, error)
}

// ErrDeliveryUnavailable is returned while the delivery circuit is open.
var ErrDeliveryUnavailable = errors.New("notification delivery unavailable")

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Sender  Sender
	Storage NotificationStore
	Logger  Logger
	Metrics Metrics

	// FailureThreshold is the number of consecutive send failures that opens the circuit.
	FailureThreshold uint32
	// OpenTimeout is how long the circuit stays open before a trial send.
	OpenTimeout time.Duration
	// SendTimeout bounds each Send call. Zero means no extra bound.
	SendTimeout time.Duration
}

// Dispatcher hands persisted notifications to a Sender behind a circuit breaker
// and records the provider message id on success.
type Dispatcher struct {
	sender      Sender
	storage     NotificationStore
	logger      Logger
	metrics     Metrics
	sendTimeout time.Duration
	cb          *gobreaker.CircuitBreaker
	now         func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("notification storage is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	d := &Dispatcher{
		sender:      cfg.Sender,
		storage:     cfg.Storage,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		sendTimeout: cfg.SendTimeout,
		now:         time.Now,
	}
	threshold := cfg.FailureThreshold
	d.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notification-delivery",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("delivery circuit state changed",
				Field{"breaker", name},
				Field{"from", from.String()},
				Field{"to", to.String()},
			)
		},
	})
	return d, nil
}

// Dispatch sends n and marks it delivered. The notification row is never
// removed on failure; a later retry can dispatch it again.
func (d *Dispatcher) Dispatch(ctx context.Context, acct *Account, n *Notification) error {
	out, err := d.cb.Execute(func() (interface{}, error) {
		sendCtx := ctx
		if d.sendTimeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, d.sendTimeout)
			defer cancel()
		}
		return d.sender.Send(sendCtx, acct, n)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		d.metrics.RecordNotification(n.Channel, "circuit_open")
		return fmt.Errorf("%w: %v", ErrDeliveryUnavailable, err)
	}
	if err != nil {
		d.metrics.RecordNotification(n.Channel, "failed")
		return fmt.Errorf("send notification %s: %w", n.ID, err)
	}

	providerID, _ := out.(string)
	at := d.now()
	if err := d.storage.MarkNotificationDelivered(ctx, n.ID, providerID, at); err != nil {
		return fmt.Errorf("mark notification %s delivered: %w", n.ID, err)
	}
	n.ProviderMessageID = providerID
	n.DeliveredAt = &at
	d.metrics.RecordNotification(n.Channel, "delivered")
	return nil
}

// State returns the delivery circuit state.
func (d *Dispatcher) State() string {
	return d.cb.State().String()
}

// LogSender is a Sender that writes notifications to a Logger. It stands in for
// a real email transport in development.
type LogSender struct {
	Logger Logger
}

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, acct *Account, n *Notification) (string, error) {
	id := "log_" + uuid.NewString()
	logger := s.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	logger.Info("notification sent",
		Field{"account_id", acct.ID},
		Field{"notification_id", n.ID},
		Field{"channel", string(n.Channel)},
		Field{"severity", string(n.Severity)},
		Field{"title", n.Title},
		Field{"provider_message_id", id},
	)
	return id, nil
}
