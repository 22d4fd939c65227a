package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/leakguard/pkg/api"
	"github.com/mihaimyh/leakguard/pkg/billing"
	"github.com/mihaimyh/leakguard/pkg/billing/stripe"
	"github.com/mihaimyh/leakguard/pkg/leak"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook receiver and account API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	// Webhooks
	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Engine:            rt.engine,
			Accounts:          rt.storage,
			Logger:            rt.logger.With(leak.Field{Key: "component", Value: "webhook"}),
			Metrics:           rt.metrics,
			MaxBodyBytes:      cfg.Webhook.MaxBodyBytes,
			RateLimitRequests: cfg.Webhook.RateLimitRequests,
			RateLimitWindow:   cfg.Webhook.RateLimitWindow,
			WebhookCallback: func(_ context.Context, ev billing.WebhookEvent) error {
				rt.log.Debug().
					Str("account_id", ev.AccountID).
					Str("event_id", ev.EventID).
					Str("event_type", ev.EventType).
					Msg("webhook processed")
				return nil
			},
		},
		Tolerance: cfg.Webhook.Tolerance,
	})
	if err != nil {
		return fmt.Errorf("creating stripe provider: %w", err)
	}

	// Account API
	handler, err := api.NewHandler(api.Config{
		Service:   rt.engine,
		Authorize: api.BearerKeys(cfg.APIKeys),
		Logger:    rt.logger.With(leak.Field{Key: "component", Value: "api"}),
	})
	if err != nil {
		return fmt.Errorf("creating api handler: %w", err)
	}
	if len(cfg.APIKeys) == 0 {
		rt.log.Warn().Msg("no api keys configured, account API rejects every request")
	}

	router := api.NewRouter(handler, provider)
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.log.Info().Str("addr", srv.Addr).Msg("leakd listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
		rt.log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		rt.log.Info().Msg("server stopped gracefully")
		return nil
	}
}
