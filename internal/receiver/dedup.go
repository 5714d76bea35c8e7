package receiver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers which objects have already been seen.
type Dedup interface {
	// FirstSeen marks key and reports whether this is its first sighting
	// within the retention window.
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// MemoryDedup keeps seen keys in process memory.
type MemoryDedup struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryDedup creates a MemoryDedup; ttl <= 0 remembers keys forever.
func NewMemoryDedup(ttl time.Duration) *MemoryDedup {
	return &MemoryDedup{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDedup) FirstSeen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[key]; ok && (d.ttl <= 0 || now.Sub(at) < d.ttl) {
		return false, nil
	}
	d.seen[key] = now
	if d.ttl > 0 && len(d.seen)%1024 == 0 {
		for k, at := range d.seen {
			if now.Sub(at) >= d.ttl {
				delete(d.seen, k)
			}
		}
	}
	return true, nil
}

// RedisDedup shares seen keys between receiver replicas with SETNX.
type RedisDedup struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDedup creates a RedisDedup storing keys under prefix.
func NewRedisDedup(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDedup {
	return &RedisDedup{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDedup) FirstSeen(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, fmt.Sprintf("%s:seen:%s", d.prefix, key), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}
