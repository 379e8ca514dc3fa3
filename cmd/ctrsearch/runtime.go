package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/ctr"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/feedback"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/storage"
	badgerstore "github.com/Adithya-Monish-Kumar-K/ctr-search/internal/storage/badger"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/storage/file"
	pgstore "github.com/Adithya-Monish-Kumar-K/ctr-search/internal/storage/postgres"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/redis"
)

// runtime holds every component a command may need, opened from one config.
type runtime struct {
	cfg      *config.Config
	store    storage.Store
	metrics  *metrics.Metrics
	index    *index.Index
	feedback *feedback.Log
	model    *ctr.Model
	engine   *engine.Engine

	collector *feedback.Collector
	producers []*kafka.Producer
	redis     *pkgredis.Client
	cancel    context.CancelFunc
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "badger":
		store, err := badgerstore.Open(cfg.Storage.Dir, cfg.Storage.InMemory)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		client, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		store, err := pgstore.New(ctx, client)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return store, nil
	default:
		store, err := file.New(cfg.Storage.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// openRuntime loads the index, feedback log and model from the configured
// store. Missing state starts empty; malformed state is an error. Redis and
// Kafka are optional and degrade with a warning when unreachable.
func openRuntime(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*runtime, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Storage.Backend, err)
	}
	slog.Debug("store opened", "backend", cfg.Storage.Backend, "dir", cfg.Storage.Dir)

	bgCtx, cancel := context.WithCancel(context.Background())
	rt := &runtime{cfg: cfg, store: store, metrics: metrics.New(reg), cancel: cancel}

	rt.index = index.New(index.FromConfig(cfg.Index)...)
	if err := rt.index.Load(ctx, store, cfg.Index.SnapshotKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		rt.Close()
		return nil, err
	}

	logOpts := []feedback.Option{feedback.WithMetrics(rt.metrics)}
	if cfg.Kafka.Enabled {
		impressions := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Impressions)
		clicks := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Clicks)
		rt.producers = append(rt.producers, impressions, clicks)
		rt.collector = feedback.NewCollector(impressions, clicks, cfg.Feedback.EventBuffer)
		rt.collector.Start(bgCtx)
		logOpts = append(logOpts, feedback.WithTracker(rt.collector))
	}
	rt.feedback, err = feedback.Open(ctx, store, cfg.Feedback.LogKey, logOpts...)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.model = ctr.NewModel(cfg.Model, nil, ctr.WithMetrics(rt.metrics))
	if err := rt.model.Load(ctx, store, cfg.Model.SnapshotKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		rt.Close()
		return nil, err
	}

	engineOpts := []engine.Option{
		engine.WithIndex(rt.index),
		engine.WithFeedback(rt.feedback),
		engine.WithMetrics(rt.metrics),
		engine.WithModelStore(store, cfg.Model.SnapshotKey),
	}
	if cfg.Redis.Enabled {
		client, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, retrieval caching disabled", "error", err)
		} else {
			rt.redis = client
			engineOpts = append(engineOpts, engine.WithCache(cache.New(client, cfg.Redis.CacheTTL, rt.metrics)))
			slog.Info("retrieval cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}
	rt.engine = engine.New(rt.model, engineOpts...)
	return rt, nil
}

// healthChecker checks the state store (critical) and Redis and the model
// (optional). A missing healthcheck key is a healthy round trip.
func (rt *runtime) healthChecker() *health.Checker {
	checker := health.NewChecker(2 * time.Second)
	checker.Register("store", true, func(ctx context.Context) error {
		_, err := rt.store.Get(ctx, "healthcheck")
		if err == nil || errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	})
	if rt.redis != nil {
		checker.Register("redis", false, rt.redis.Ping)
	}
	checker.Register("model", false, func(context.Context) error {
		if !rt.model.IsTrained() {
			return errors.New("not trained, ranking by tf-idf")
		}
		return nil
	})
	return checker
}

func (rt *runtime) saveIndex(ctx context.Context) error {
	return rt.index.Save(ctx, rt.store, rt.cfg.Index.SnapshotKey)
}

func (rt *runtime) Close() {
	if rt.engine != nil {
		rt.engine.Close()
	}
	if rt.collector != nil {
		rt.collector.Close()
	}
	rt.cancel()
	for _, p := range rt.producers {
		if err := p.Close(); err != nil {
			slog.Error("closing kafka producer", "error", err)
		}
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if err := rt.store.Close(); err != nil {
		slog.Error("closing store", "error", err)
	}
}
