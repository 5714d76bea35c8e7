// Package app builds the components shared by the thumbing binaries from
// configuration.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/thumbing/internal/config"
	"github.com/weiawesome/thumbing/internal/metrics"
	"github.com/weiawesome/thumbing/internal/notify"
	"github.com/weiawesome/thumbing/internal/policy"
	"github.com/weiawesome/thumbing/internal/redelivery"
	"github.com/weiawesome/thumbing/internal/subscription"
	"github.com/weiawesome/thumbing/pkg/database"
	"github.com/weiawesome/thumbing/pkg/jwt"
	pkglog "github.com/weiawesome/thumbing/pkg/log"
	"github.com/weiawesome/thumbing/pkg/storage"
)

// WorkerPrincipal is the identity the processing worker's grants are issued to.
const WorkerPrincipal = "thumbing-worker"

// InitLogger initialises the global logger for service.
func InitLogger(cfg config.LogConfig, service string) {
	pkglog.Init(pkglog.Config{
		Level:       cfg.Level,
		Pretty:      cfg.Pretty || cfg.Level == "debug",
		ServiceName: service,
		Caller:      cfg.Caller,
	})
}

// OpenBackend returns the storage backend holding bucket.
func OpenBackend(ctx context.Context, cfg config.StoresConfig, bucket string) (storage.Storage, error) {
	switch cfg.Type {
	case "s3":
		s3Cfg := cfg.S3
		s3Cfg.Bucket = bucket
		st, err := storage.NewS3Storage(ctx, s3Cfg)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "local":
		st, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: filepath.Join(cfg.Local.BasePath, bucket)})
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
	}
}

// GuardedBackends opens the ingestion and output backends behind the
// worker's grants.
func GuardedBackends(ctx context.Context, cfg config.StoresConfig) (ingestion, output storage.Storage, err error) {
	grants, err := policy.WorkerGrants(WorkerPrincipal, cfg.IngestionBucket, cfg.OutputBucket)
	if err != nil {
		return nil, nil, err
	}
	ingestion, err = OpenBackend(ctx, cfg, cfg.IngestionBucket)
	if err != nil {
		return nil, nil, fmt.Errorf("ingestion store: %w", err)
	}
	output = ingestion
	if cfg.OutputBucket != cfg.IngestionBucket {
		output, err = OpenBackend(ctx, cfg, cfg.OutputBucket)
		if err != nil {
			return nil, nil, fmt.Errorf("output store: %w", err)
		}
	}
	outGrant := grants[0]
	if len(grants) > 1 {
		outGrant = grants[1]
	}
	return policy.NewGuard(ingestion, grants[0]), policy.NewGuard(output, outGrant), nil
}

// RetryPolicy converts a retry budget from configuration.
func RetryPolicy(c config.RetryConfig) redelivery.Policy {
	return redelivery.Policy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     c.Multiplier,
	}
}

// NewRedisClient connects to Redis and pings it.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}
	return client, nil
}

// Registry is an opened subscription registry and the resources behind it.
type Registry struct {
	subscription.Registry
	closers []func() error
}

// Close releases the database and cache connections.
func (r *Registry) Close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenRegistry opens the configured registry backend, migrating the table
// and wrapping it with the Redis snapshot cache when enabled.
func OpenRegistry(ctx context.Context, cfg *config.Config) (*Registry, error) {
	l := pkglog.L()
	opts := subscription.Options{FailureThreshold: cfg.Notify.FailureThreshold}
	reg := &Registry{}

	switch cfg.Subscription.Backend {
	case "memory":
		reg.Registry = subscription.NewMemoryRegistry(opts)
	default:
		dbCfg := cfg.Subscription.Database
		if dbCfg.Driver == "sqlite" {
			if err := os.MkdirAll(filepath.Dir(dbCfg.FilePath), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		db, err := database.New(&dbCfg)
		if err != nil {
			return nil, err
		}
		reg.closers = append(reg.closers, func() error { return database.Close(db) })

		gr := subscription.NewGormRegistry(db, opts)
		if err := gr.Migrate(ctx); err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("failed to migrate subscriptions: %w", err)
		}
		reg.Registry = gr
		l.Info().Str("driver", dbCfg.Driver).Msg("subscription registry on database")
	}

	if cfg.Subscription.Cache.Enabled {
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			_ = reg.Close()
			return nil, err
		}
		reg.closers = append(reg.closers, client.Close)
		cache := subscription.NewRedisSnapshotCache(client, cfg.Subscription.Cache.Prefix)
		reg.Registry = subscription.NewCachedRegistry(reg.Registry, cache, cfg.Subscription.Cache.TTL)
		l.Info().Str("redis", cfg.Redis.Address).Msg("subscription snapshot cache enabled")
	}

	return reg, nil
}

// NewSubscriptionService wires a Service whose confirmation requests go out
// over the webhook transport.
func NewSubscriptionService(cfg *config.Config, registry subscription.Registry, m *metrics.Metrics) (*subscription.Service, error) {
	tokens, err := jwt.NewManager(cfg.Subscription.TokenSecret, cfg.Subscription.ConfirmationWindow, "thumbing")
	if err != nil {
		return nil, err
	}
	confirmer := notify.NewConfirmer(notify.NewWebhookDeliverer(nil, cfg.Notify.Timeout))
	return subscription.NewService(registry, tokens, confirmer, cfg.Subscription.PublicBaseURL, m), nil
}
