package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/supermancell/bitquery-chart/internal/app"
	"github.com/supermancell/bitquery-chart/internal/config"
	"github.com/supermancell/bitquery-chart/internal/health"
	"github.com/supermancell/bitquery-chart/internal/metrics"
	"github.com/supermancell/bitquery-chart/internal/store"
)

const connectTimeout = 10 * time.Second

// ConnectStores connects the optional Redis and MongoDB backends and returns
// the streaming delegate's dependencies. A backend that is configured but
// unreachable is logged and skipped. Bars are always kept in memory too.
func ConnectStores(ctx context.Context, cfg config.AppConfig) app.StreamDeps {
	deps := app.StreamDeps{
		Health:  &health.Status{},
		Metrics: metrics.New(),
	}
	var stores store.Multi

	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		redisStore, err := store.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password)
		cancel()
		if err != nil {
			// Skipped for the life of the process, so not reported under /health.
			log.WithError(err).WithField("addr", cfg.Redis.Addr).Warn("Redis unavailable, continuing without it")
		} else {
			log.WithField("addr", cfg.Redis.Addr).Info("Connected to Redis")
			stores = append(stores, redisStore)
			deps.Pinned = redisStore
			deps.RedisPinger = redisStore
		}
	} else {
		log.Info("REDIS_ADDR not set, pinned channels disabled")
	}

	if cfg.MongoDB.URI != "" {
		mongoStore, err := store.NewMongo(ctx, cfg.MongoDB.URI, cfg.MongoDB.Database)
		if err != nil {
			log.WithError(err).Warn("MongoDB unavailable, continuing without it")
		} else {
			stores = append(stores, mongoStore)
		}
	}

	// Memory goes last: reads prefer the persistent stores.
	memory := store.NewMemory(store.DefaultMaxBars)
	if len(stores) == 0 {
		deps.Store = memory
	} else {
		deps.Store = append(stores, memory)
	}
	return deps
}
