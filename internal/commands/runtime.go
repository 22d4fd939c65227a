// Package commands implements the CLI subcommands for the leakd binary.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/leakguard/internal/config"
	"github.com/mihaimyh/leakguard/pkg/leak"
	zerologadapter "github.com/mihaimyh/leakguard/pkg/leak/logger/zerolog"
	prommetrics "github.com/mihaimyh/leakguard/pkg/leak/metrics/prometheus"
	fsstore "github.com/mihaimyh/leakguard/storage/firestore"
	"github.com/mihaimyh/leakguard/storage/memory"
	"github.com/mihaimyh/leakguard/storage/postgres"
	redisstore "github.com/mihaimyh/leakguard/storage/redis"
	"github.com/mihaimyh/leakguard/storage/tiered"
)

// ConfigFlag is the persistent flag holding the config file path
const ConfigFlag = "config"

// accountStorage is the engine storage plus account provisioning
type accountStorage interface {
	leak.Storage
	PutAccount(ctx context.Context, acct *leak.Account) error
}

// runtime holds everything a command needs, built from the loaded config
type runtime struct {
	cfg      *config.Config
	log      zerolog.Logger
	logger   *zerologadapter.Logger
	storage  accountStorage
	postgres *postgres.Storage
	limiter  leak.ScanLimiter
	registry *prometheus.Registry
	metrics  leak.Metrics
	engine   *leak.Engine
	closers  []func()

	longLived bool
}

// newRuntime loads the config named by the --config flag and wires storage,
// limiter, metrics and the engine. Background workers such as retention
// cleanup only run for long-lived processes.
func newRuntime(ctx context.Context, cmd *cobra.Command, longLived bool) (*runtime, error) {
	path, _ := cmd.Flags().GetString(ConfigFlag)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	rt := &runtime{cfg: cfg, longLived: longLived}
	rt.log = newZerolog(cfg.Logging, cmd.ErrOrStderr())
	rt.logger = zerologadapter.NewLogger(rt.log)

	rt.registry = prometheus.NewRegistry()
	rt.metrics = &leak.NoopMetrics{}
	if cfg.Metrics.Enabled {
		rt.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		rt.metrics = prommetrics.NewMetrics(rt.registry, cfg.Metrics.Namespace)
	}

	if err := rt.openStorage(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.openLimiter(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	dispatcher, err := leak.NewDispatcher(leak.DispatcherConfig{
		Sender:           &leak.LogSender{Logger: rt.logger.With(leak.Field{Key: "component", Value: "delivery"})},
		Storage:          rt.storage,
		Logger:           rt.logger,
		Metrics:          rt.metrics,
		FailureThreshold: cfg.Delivery.FailureThreshold,
		OpenTimeout:      cfg.Delivery.OpenTimeout,
		SendTimeout:      cfg.Delivery.SendTimeout,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}

	rt.engine, err = leak.NewEngine(&leak.Config{
		Storage:     rt.storage,
		Policy:      &cfg.Policy,
		Logger:      rt.logger,
		Metrics:     rt.metrics,
		Dispatcher:  dispatcher,
		ScanLimiter: rt.limiter,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	for _, a := range cfg.Accounts {
		if err := rt.storage.PutAccount(ctx, a.Account()); err != nil {
			rt.Close()
			return nil, fmt.Errorf("seeding account %s: %w", a.ID, err)
		}
	}
	return rt, nil
}

func (rt *runtime) openStorage(ctx context.Context) error {
	if rt.cfg.Postgres.DSN == "" {
		rt.log.Warn().Msg("postgres dsn not set, using in-memory storage")
		rt.storage = memory.New()
		return nil
	}

	pgCfg := postgres.DefaultConfig()
	pgCfg.ConnectionString = rt.cfg.Postgres.DSN
	pgCfg.MaxConns = rt.cfg.Postgres.MaxConns
	pgCfg.MinConns = rt.cfg.Postgres.MinConns
	pgCfg.MaxConnLifetime = rt.cfg.Postgres.MaxConnLifetime
	pgCfg.Retention = rt.cfg.Postgres.Retention
	pgCfg.CleanupEnabled = rt.longLived
	pg, err := postgres.New(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	rt.closers = append(rt.closers, pg.Close)
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating postgres: %w", err)
	}
	rt.postgres = pg
	rt.storage = pg

	if ttl := rt.cfg.Postgres.AccountCacheTTL; ttl > 0 && rt.longLived {
		cached, err := tiered.New(tiered.Config{Hot: memory.New(), Cold: pg, TTL: ttl})
		if err != nil {
			return fmt.Errorf("creating account cache: %w", err)
		}
		rt.storage = cached
	}
	return nil
}

func (rt *runtime) openLimiter(ctx context.Context) error {
	switch {
	case rt.cfg.Redis.Addr != "":
		return rt.openRedisLimiter(ctx)
	case rt.cfg.Firestore.ProjectID != "":
		return rt.openFirestoreLimiter(ctx)
	default:
		rt.limiter = memory.NewScanLimiter(rt.cfg.Scan.Limit, rt.cfg.Scan.Window)
		return nil
	}
}

func (rt *runtime) openRedisLimiter(ctx context.Context) error {
	client := goredis.NewClient(&goredis.Options{
		Addr:     rt.cfg.Redis.Addr,
		Password: rt.cfg.Redis.Password,
		DB:       rt.cfg.Redis.DB,
	})
	rt.closers = append(rt.closers, func() { _ = client.Close() })

	limiterCfg := redisstore.DefaultConfig()
	limiterCfg.Limit = rt.cfg.Scan.Limit
	limiterCfg.Window = rt.cfg.Scan.Window
	limiter, err := redisstore.NewScanLimiter(client, limiterCfg)
	if err != nil {
		return fmt.Errorf("creating scan limiter: %w", err)
	}
	if err := limiter.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	rt.limiter = limiter
	return nil
}

func (rt *runtime) openFirestoreLimiter(ctx context.Context) error {
	client, err := gcfirestore.NewClient(ctx, rt.cfg.Firestore.ProjectID)
	if err != nil {
		return fmt.Errorf("connecting to firestore: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = client.Close() })

	limiter, err := fsstore.NewScanLimiter(client, fsstore.Config{
		Collection: rt.cfg.Firestore.Collection,
		Limit:      rt.cfg.Scan.Limit,
		Window:     rt.cfg.Scan.Window,
	})
	if err != nil {
		return fmt.Errorf("creating scan limiter: %w", err)
	}
	rt.limiter = limiter
	return nil
}

// Close releases connections in reverse order of opening
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func newZerolog(cfg config.LoggingConfig, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "leakd").Logger()
}
