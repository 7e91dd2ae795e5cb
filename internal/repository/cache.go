package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"focusdeck/internal/config"
	"focusdeck/internal/domain"
	"focusdeck/internal/models"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a go-redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// Ping verifies the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}

// RedisEntityCache is the read-through entity cache shared by the drain loop
// and the realtime ingest bridge. Invalidation deletes the key so the next
// read refetches from the remote store.
type RedisEntityCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisEntityCache(client *redis.Client, ttl time.Duration) *RedisEntityCache {
	return &RedisEntityCache{client: client, ttl: ttl}
}

func cacheKey(entity models.EntityType, id string) string {
	return fmt.Sprintf("entity:%s:%s", entity, id)
}

func (c *RedisEntityCache) Get(ctx context.Context, entity models.EntityType, id string) (*domain.RemoteRow, error) {
	if c.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := c.client.Get(ctx, cacheKey(entity, id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity from cache: %w", err)
	}

	var row domain.RemoteRow
	if err := json.Unmarshal([]byte(val), &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached entity: %w", err)
	}
	return &row, nil
}

func (c *RedisEntityCache) Set(ctx context.Context, entity models.EntityType, row domain.RemoteRow) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(entity, row.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set entity in cache: %w", err)
	}
	return nil
}

func (c *RedisEntityCache) Invalidate(ctx context.Context, entity models.EntityType, id string) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := c.client.Del(ctx, cacheKey(entity, id)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached entity: %w", err)
	}
	return nil
}

// MemoryEntityCache backs the cache when Redis is not configured.
type MemoryEntityCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memCacheEntry
}

type memCacheEntry struct {
	row       domain.RemoteRow
	expiresAt time.Time
}

func NewMemoryEntityCache(ttl time.Duration) *MemoryEntityCache {
	return &MemoryEntityCache{ttl: ttl, entries: make(map[string]memCacheEntry)}
}

func (c *MemoryEntityCache) Get(ctx context.Context, entity models.EntityType, id string) (*domain.RemoteRow, error) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(entity, id)]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	row := entry.row
	return &row, nil
}

func (c *MemoryEntityCache) Set(ctx context.Context, entity models.EntityType, row domain.RemoteRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(entity, row.ID)] = memCacheEntry{row: row, expiresAt: time.Now().Add(c.ttl)}
	return nil
}

func (c *MemoryEntityCache) Invalidate(ctx context.Context, entity models.EntityType, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(entity, id))
	return nil
}
