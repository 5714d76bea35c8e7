package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	pkglog "github.com/weiawesome/thumbing/pkg/log"
)

var ErrCacheMiss = errors.New("cache miss")

// ErrStaleSnapshot is returned by SetIfGeneration when an invalidation
// happened after the generation was read.
var ErrStaleSnapshot = errors.New("stale snapshot")

// SnapshotCache stores the confirmed-subscription snapshot together with a
// generation counter that every invalidation advances.
type SnapshotCache interface {
	Get(ctx context.Context) ([]Subscription, error)
	Generation(ctx context.Context) (uint64, error)
	// SetIfGeneration stores subs only while the generation still equals gen.
	SetIfGeneration(ctx context.Context, gen uint64, subs []Subscription, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

// setIfGeneration compares and writes in one step so an invalidation from
// another process cannot slip between the check and the SET.
var setIfGeneration = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current ~= tonumber(ARGV[1]) then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

// RedisSnapshotCache keeps the snapshot as one JSON value in Redis, shared by
// every notifier replica and by thumbingctl.
type RedisSnapshotCache struct {
	client redis.UniversalClient
	key    string
	genKey string
}

func NewRedisSnapshotCache(client redis.UniversalClient, prefix string) *RedisSnapshotCache {
	return &RedisSnapshotCache{
		client: client,
		key:    fmt.Sprintf("%s:confirmed", prefix),
		genKey: fmt.Sprintf("%s:gen", prefix),
	}
}

func (c *RedisSnapshotCache) Get(ctx context.Context) ([]Subscription, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var subs []Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return subs, nil
}

func (c *RedisSnapshotCache) Generation(ctx context.Context) (uint64, error) {
	gen, err := c.client.Get(ctx, c.genKey).Uint64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read cache generation: %w", err)
	}
	return gen, nil
}

func (c *RedisSnapshotCache) SetIfGeneration(ctx context.Context, gen uint64, subs []Subscription, ttl time.Duration) error {
	if subs == nil {
		subs = []Subscription{}
	}
	data, err := json.Marshal(subs)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}
	stored, err := setIfGeneration.Run(ctx, c.client, []string{c.genKey, c.key},
		gen, data, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	if stored == 0 {
		return ErrStaleSnapshot
	}
	return nil
}

func (c *RedisSnapshotCache) Invalidate(ctx context.Context) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey)
		pipe.Del(ctx, c.key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate in redis: %w", err)
	}
	return nil
}

// CachedRegistry serves ListConfirmed from a SnapshotCache, coalescing
// concurrent misses into one load, and invalidates the snapshot whenever a
// mutation changes who receives traffic.
type CachedRegistry struct {
	Registry
	cache SnapshotCache
	ttl   time.Duration
	group singleflight.Group
}

func NewCachedRegistry(next Registry, cache SnapshotCache, ttl time.Duration) *CachedRegistry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedRegistry{Registry: next, cache: cache, ttl: ttl}
}

func (r *CachedRegistry) ListConfirmed(ctx context.Context) ([]Subscription, error) {
	l := pkglog.Ctx(ctx)

	subs, err := r.cache.Get(ctx)
	if err == nil {
		return subs, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		l.Warn().Err(err).Msg("subscription cache read failed, loading from registry")
	}

	v, err, _ := r.group.Do("confirmed", func() (interface{}, error) {
		// The generation is read before loading: a load that raced an
		// invalidation in any process must not repopulate the cache.
		gen, genErr := r.cache.Generation(ctx)
		subs, err := r.Registry.ListConfirmed(ctx)
		if err != nil {
			return nil, err
		}
		if genErr != nil {
			return subs, nil
		}
		switch err := r.cache.SetIfGeneration(ctx, gen, subs, r.ttl); {
		case errors.Is(err, ErrStaleSnapshot):
			l.Debug().Uint64("generation", gen).Msg("subscription snapshot superseded, not cached")
		case err != nil:
			l.Warn().Err(err).Msg("failed to cache subscription snapshot")
		}
		return subs, nil
	})
	if err != nil {
		return nil, err
	}

	shared := v.([]Subscription)
	out := make([]Subscription, len(shared))
	copy(out, shared)
	return out, nil
}

func (r *CachedRegistry) invalidate(ctx context.Context) {
	if err := r.cache.Invalidate(ctx); err != nil {
		l := pkglog.Ctx(ctx)
		l.Warn().Err(err).Msg("failed to invalidate subscription cache")
	}
}

func (r *CachedRegistry) Register(ctx context.Context, endpointURL string) (*Subscription, error) {
	s, err := r.Registry.Register(ctx, endpointURL)
	if err == nil {
		r.invalidate(ctx)
	}
	return s, err
}

func (r *CachedRegistry) Unregister(ctx context.Context, endpointURL string) error {
	err := r.Registry.Unregister(ctx, endpointURL)
	if err == nil {
		r.invalidate(ctx)
	}
	return err
}

func (r *CachedRegistry) Confirm(ctx context.Context, id, nonce string) (*Subscription, bool, error) {
	s, changed, err := r.Registry.Confirm(ctx, id, nonce)
	if err == nil && changed {
		r.invalidate(ctx)
	}
	return s, changed, err
}

func (r *CachedRegistry) RecordDelivery(ctx context.Context, id string, deliveryErr error) (*Subscription, error) {
	s, err := r.Registry.RecordDelivery(ctx, id, deliveryErr)
	if err == nil && !s.Deliverable() {
		r.invalidate(ctx)
	}
	return s, err
}

func (r *CachedRegistry) ExpirePending(ctx context.Context, cutoff time.Time) ([]Subscription, error) {
	expired, err := r.Registry.ExpirePending(ctx, cutoff)
	if err == nil && len(expired) > 0 {
		r.invalidate(ctx)
	}
	return expired, err
}
