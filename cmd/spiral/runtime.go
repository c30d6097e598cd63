package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rendis/spiral/internal/actions"
	"github.com/rendis/spiral/internal/config"
	"github.com/rendis/spiral/internal/engine"
	"github.com/rendis/spiral/internal/scheduler"
	"github.com/rendis/spiral/internal/secrets"
	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/internal/streaming"
	"github.com/rendis/spiral/internal/webhooks"
	"github.com/rendis/spiral/pkg/schema"
)

// runtime is the wired engine with its supporting services.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *store.LibSQLStore
	kvCloser  io.Closer
	webhooks  *webhooks.Service
	engine    *engine.Engine
	hub       *streaming.MemoryHub
	scheduler *scheduler.Scheduler
	forwarder *webhooks.LifecycleForwarder

	cancel context.CancelFunc
}

// newRuntime opens the store and wires every component. Nothing runs until start.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	dsn := cfg.Store.DBPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	db, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.db = db
	if err := db.Migrate(ctx); err != nil {
		rt.close(ctx)
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	var backing store.Store = db
	key, err := cfg.SecretKey()
	if err != nil {
		rt.close(ctx)
		return nil, schema.NewError(schema.ErrCodeConfiguration, err.Error())
	}
	if key.Enabled() {
		sealer, err := secrets.NewAESSealer(key)
		if err != nil {
			rt.close(ctx)
			return nil, err
		}
		backing = secrets.NewSealedStore(db, sealer)
	}
	cached := store.NewCachedStore(backing, cfg.Cache.TTL, cfg.Cache.CleanupInterval)

	var kv store.KVStore = db
	if cfg.KV.Backend == "redis" {
		redisKV := store.NewRedisKV(cfg.RedisSettings())
		kv, rt.kvCloser = redisKV, redisKV
		if err := redisKV.Ping(ctx); err != nil {
			rt.close(ctx)
			return nil, schema.NewError(schema.ErrCodeConfiguration, "redis kv unreachable: "+err.Error()).WithCause(err)
		}
	}

	rt.webhooks, err = webhooks.NewService(cached, cfg.WebhookSettings(), logger.With(slog.String("component", "webhooks")))
	if err != nil {
		rt.close(ctx)
		return nil, err
	}

	deps := actions.Deps{KV: kv, Notifier: rt.webhooks, Logger: logger}
	if cfg.Alerts.URL != "" {
		deps.Alerter = actions.NewHTTPAlerter(cfg.Alerts.URL, &http.Client{})
	}
	rt.engine, err = engine.New(cached, cfg.EngineSettings(), deps, logger.With(slog.String("component", "engine")))
	if err != nil {
		rt.close(ctx)
		return nil, err
	}

	rt.hub = streaming.NewMemoryHub(256)
	rt.engine.Subscribe(rt.hub.Observe)
	rt.forwarder = webhooks.NewLifecycleForwarder(rt.webhooks, 256, cfg.Webhooks.ForwardActions, logger)
	rt.engine.Subscribe(rt.forwarder.Observe)

	rt.scheduler = scheduler.NewScheduler(cached, rt.engine, cfg.Scheduler.TickInterval, nil, logger.With(slog.String("component", "scheduler")))
	return rt, nil
}

// startOptions selects the process-wide duties of a runtime. Only one
// process per database may own them: recovery fails every non-terminal run
// it does not know, and requeues every pending delivery.
type startOptions struct {
	recover   bool
	scheduler bool
}

// start starts the background workers. With opts.recover it first fails
// the runs and requeues the deliveries left by a previous process.
func (rt *runtime) start(ctx context.Context, opts startOptions) error {
	ctx, rt.cancel = context.WithCancel(ctx)

	if opts.recover {
		if n, err := rt.engine.RecoverOrphans(ctx); err != nil {
			return fmt.Errorf("recover runs: %w", err)
		} else if n > 0 {
			rt.logger.Warn("orphaned runs failed", slog.Int("count", n))
		}
		if _, err := rt.webhooks.Recover(ctx); err != nil {
			return fmt.Errorf("recover deliveries: %w", err)
		}
	}
	rt.webhooks.Start(ctx)
	go rt.forwarder.Run(ctx)

	if opts.scheduler {
		if err := rt.scheduler.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// close stops the workers, waits for runs to drain, and closes the store.
func (rt *runtime) close(ctx context.Context) {
	if rt.scheduler != nil {
		_ = rt.scheduler.Stop()
	}
	if rt.engine != nil {
		if err := rt.engine.Shutdown(ctx); err != nil {
			rt.logger.Warn("engine shutdown", slog.String("error", err.Error()))
		}
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.webhooks != nil {
		rt.webhooks.Stop()
	}
	if rt.kvCloser != nil {
		_ = rt.kvCloser.Close()
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.logger.Warn("close store", slog.String("error", err.Error()))
		}
	}
}
