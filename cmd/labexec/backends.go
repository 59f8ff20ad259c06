package main

import (
	"context"
	"fmt"

	"github.com/aescanero/labexec/internal/application/results"
	"github.com/aescanero/labexec/internal/config"
	httpreporter "github.com/aescanero/labexec/pkg/adapters/results/http"
	redisreporter "github.com/aescanero/labexec/pkg/adapters/results/redis"
	memorystorage "github.com/aescanero/labexec/pkg/adapters/storage/memory"
	redisstorage "github.com/aescanero/labexec/pkg/adapters/storage/redis"
	sqlstorage "github.com/aescanero/labexec/pkg/adapters/storage/sql"
	"github.com/aescanero/labexec/pkg/ports"
	"github.com/hashicorp/go-multierror"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// backends holds the adapters shared by every command
type backends struct {
	redis    *goredis.Client
	store    ports.Store
	reporter ports.ResultReporter
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}

	if cfg.NeedsRedis() {
		b.redis = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		if err := b.redis.Ping(ctx).Err(); err != nil {
			_ = b.redis.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	switch cfg.Store.Backend {
	case "memory":
		logger.Warn("using in-memory store, executions are lost on restart")
		b.store = memorystorage.NewStore()
	case "redis":
		b.store = redisstorage.NewStore(b.redis, cfg.Store.TTL, logger)
	case "sql":
		store, err := sqlstorage.Open(cfg.Store.MySQLDSN, logger)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.store = store
	}

	switch cfg.Results.Backend {
	case "http":
		b.reporter = httpreporter.NewReporter(&httpreporter.Config{
			BaseURL:    cfg.Results.URL,
			Timeout:    cfg.Results.Timeout,
			Attempts:   cfg.Results.Attempts,
			RetryDelay: cfg.Results.RetryDelay,
			Logger:     logger,
		})
	case "redis":
		b.reporter = redisreporter.NewReporter(b.redis, cfg.Results.Attempts, cfg.Results.RetryDelay, logger)
	default:
		b.reporter = results.NoopReporter()
	}

	return b, nil
}

// Close releases the connections opened by openBackends
func (b *backends) Close() error {
	var result *multierror.Error

	if closer, ok := b.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("store: %w", err))
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("redis: %w", err))
		}
	}

	return result.ErrorOrNil()
}
