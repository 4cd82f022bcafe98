// Package app wires configuration into the running pieces of flowlog:
// storage, Redis, spend tracking, the processor registry and the
// configured transports.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"llm_flow/internal/billing"
	"llm_flow/internal/config"
	"llm_flow/internal/logging"
	"llm_flow/internal/metrics"
	"llm_flow/internal/providers"
	"llm_flow/internal/queue"
	"llm_flow/internal/storage"
	"llm_flow/internal/sysinfo"
	"llm_flow/internal/tokens"
	"llm_flow/internal/tracker"
	"llm_flow/internal/utils"
)

// App aggregates every service built from one configuration.
type App struct {
	Config    *config.Config
	Redis     *redis.Client
	DB        *storage.DB
	Entries   *storage.LogEntryRepository
	Costs     *billing.CostTable
	Lookup    *billing.CachedLookup
	Registry  *providers.Registry
	Spend     billing.SpendRecorder
	Transport *logging.Multi

	stops  []func(ctx context.Context) error
	logger *utils.Logger
}

// Options adjust what Build creates.
type Options struct {
	// OpenDB opens the database even when the sql transport is disabled
	OpenDB bool
	// Redis replaces the client Build would dial
	Redis *redis.Client
}

// Build creates every component the configuration enables. On error the
// components already created are shut down.
func Build(ctx context.Context, cfg *config.Config, opts Options) (a *App, err error) {
	a = &App{Config: cfg, logger: utils.NewLogger("app")}
	defer func() {
		if err != nil {
			a.Close(context.Background())
			a = nil
		}
	}()

	if err := a.buildCosts(); err != nil {
		return nil, err
	}

	if opts.Redis != nil {
		a.Redis = opts.Redis
	} else if cfg.NeedsRedis() {
		if a.Redis, err = DialRedis(ctx, cfg.Redis); err != nil {
			return nil, err
		}
		a.onStop(func(context.Context) error { return a.Redis.Close() })
	}

	if opts.OpenDB || cfg.Enabled(config.TransportSQL) {
		if err := a.openDB(ctx); err != nil {
			return nil, err
		}
	}

	if err := a.buildSpend(ctx); err != nil {
		return nil, err
	}

	transports, err := a.buildTransports(ctx)
	if err != nil {
		return nil, err
	}
	a.Transport = logging.NewMulti(transports...)

	a.logger.Info("Application ready",
		"transports", len(transports),
		"redis", a.Redis != nil,
		"database", a.DB != nil,
	)
	return a, nil
}

// NewTracker creates a tracker bound to the app's registry, transports and spend.
func (a *App) NewTracker(opts ...tracker.Option) *tracker.Tracker {
	base := []tracker.Option{
		tracker.WithRegistry(a.Registry),
		tracker.WithDefaultTransport(a.Transport),
		tracker.WithSpend(a.Spend),
		tracker.WithDataDir(a.Config.Transports.DataDir),
	}
	return tracker.New(append(base, opts...)...)
}

// ApplyConfig reacts to a reloaded configuration: the cost table is re-read
// and cached prices are dropped. Transports keep their original settings.
func (a *App) ApplyConfig(cfg *config.Config) {
	if cfg.Costs.TablePath != "" {
		if err := a.Costs.Reload(cfg.Costs.TablePath); err != nil {
			a.logger.Error("Failed to reload cost table", "path", cfg.Costs.TablePath, "error", err)
			return
		}
	}
	a.Lookup.Invalidate()
	if level, err := utils.ParseLogLevel(cfg.App.LogLevel); err == nil {
		utils.SetDefaultLogLevel(level)
	}
	a.logger.Info("Configuration applied", "models", a.Costs.Len())
}

// Close stops workers and flushes buffered transports in reverse creation order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.stops) - 1; i >= 0; i-- {
		if err := a.stops[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.stops = nil
	return errors.Join(errs...)
}

func (a *App) onStop(fn func(ctx context.Context) error) {
	a.stops = append(a.stops, fn)
}

func (a *App) buildCosts() error {
	cfg := a.Config
	if cfg.Costs.TablePath != "" {
		table, err := billing.LoadCostTable(cfg.Costs.TablePath)
		if err != nil {
			return err
		}
		a.Costs = table
	} else {
		a.Costs = billing.DefaultCostTable()
	}

	a.Lookup = billing.NewCachedLookup(a.Costs, cfg.Costs.CacheSize, cfg.Costs.CacheTTL)
	a.Registry = providers.DefaultRegistry(providers.Deps{
		Calculator: metrics.NewCalculator(a.Lookup),
		System:     sysinfo.Collect(cfg.App.Env),
		Tokens:     tokens.NewCounter(),
		UserID:     cfg.App.UserID,
	})
	return nil
}

// DialRedis connects to Redis and pings it.
func DialRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (a *App) openDB(ctx context.Context) error {
	cfg := a.Config.Database
	dbCfg := storage.DefaultDBConfig()
	dbCfg.Driver = cfg.Driver
	dbCfg.DSN = cfg.DSN
	dbCfg.MaxOpenConns = cfg.MaxOpenConns
	dbCfg.MaxIdleConns = cfg.MaxIdleConns
	dbCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	dbCfg.QueryTimeout = cfg.QueryTimeout

	if dbCfg.Driver == storage.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(dbCfg.DSN), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := storage.NewDB(ctx, dbCfg)
	if err != nil {
		return err
	}
	a.DB = db
	a.Entries = db.NewLogEntryRepository()
	a.onStop(func(context.Context) error { return db.Close() })
	return nil
}

func (a *App) buildSpend(ctx context.Context) error {
	cfg := a.Config
	if !cfg.Spend.Enabled {
		a.Spend = billing.NewNoopSpend()
		return nil
	}

	recorder := billing.NewRedisSpendRecorder(a.Redis)
	if !cfg.Spend.Async {
		a.Spend = recorder
		return nil
	}

	qcfg := a.queueConfig("spend")
	q, dlq, err := newQueues[*billing.SpendUpdate](a.Redis, qcfg)
	if err != nil {
		return err
	}
	worker := billing.NewSpendQueueWorker(q, dlq, recorder, qcfg)
	worker.Start(ctx)
	a.onStop(func(context.Context) error { return worker.Stop() })
	a.Spend = worker
	return nil
}

func (a *App) queueConfig(name string) *queue.Config {
	cfg := a.Config.Queue
	qcfg := queue.DefaultConfig(name)
	qcfg.UseRedis = cfg.UseRedis
	qcfg.BatchSize = cfg.BatchSize
	qcfg.BatchTimeout = cfg.BatchTimeout
	qcfg.MaxRetries = cfg.MaxRetries
	qcfg.RetryBackoff = cfg.RetryBackoff
	return qcfg
}

// newQueues picks Redis-backed queues when the config asks for them and a
// client is available, in-memory ones otherwise.
func newQueues[T any](client *redis.Client, cfg *queue.Config) (queue.Queue[T], queue.DeadLetterQueue[T], error) {
	if !cfg.UseRedis || client == nil {
		return queue.NewMemoryQueue[T](cfg), queue.NewMemoryDeadLetterQueue[T](), nil
	}

	q, err := queue.NewRedisQueueWithClient[T](client, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s queue: %w", cfg.QueueName, err)
	}
	dlq, err := queue.NewRedisDeadLetterQueueWithClient[T](client, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s DLQ: %w", cfg.QueueName, err)
	}
	return q, dlq, nil
}
