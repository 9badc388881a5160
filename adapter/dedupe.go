package notify

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryDeduplicator remembers the most recent ids in process memory.
// When full, the oldest id is forgotten first.
type MemoryDeduplicator struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	seen     map[string]*list.Element
}

// NewMemoryDeduplicator keeps up to capacity ids; capacity <= 0 uses DefaultDedupeCapacity
func NewMemoryDeduplicator(capacity int) *MemoryDeduplicator {
	if capacity <= 0 {
		capacity = DefaultDedupeCapacity
	}
	return &MemoryDeduplicator{
		capacity: capacity,
		order:    list.New(),
		seen:     make(map[string]*list.Element, capacity),
	}
}

// Seen marks id as delivered and reports whether it was delivered before
func (d *MemoryDeduplicator) Seen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true, nil
	}

	d.seen[id] = d.order.PushBack(id)
	for d.order.Len() > d.capacity {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
	return false, nil
}

// Len returns the number of remembered ids
func (d *MemoryDeduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

// RedisDeduplicator shares delivered ids between processes through Redis.
// Each id is a key set with SETNX and a TTL.
type RedisDeduplicator struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduplicator connects and pings Redis
func NewRedisDeduplicator(cfg DedupeConf) (*RedisDeduplicator, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisDeduplicatorFromClient(rdb, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisDeduplicatorFromClient wraps an existing client
func NewRedisDeduplicatorFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisDeduplicator {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduplicator{client: client, prefix: prefix, ttl: ttl}
}

// Seen marks id as delivered and reports whether it was delivered before
func (d *RedisDeduplicator) Seen(ctx context.Context, id string) (bool, error) {
	created, err := d.client.SetNX(ctx, d.prefix+id, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return !created, nil
}

// Close releases the Redis connection pool
func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}

// NewDeduplicator picks Redis when an address is configured and memory otherwise
func NewDeduplicator(cfg DedupeConf) (Deduplicator, error) {
	if cfg.RedisAddr == "" {
		return NewMemoryDeduplicator(cfg.Capacity), nil
	}
	return NewRedisDeduplicator(cfg)
}
