// Package redis registers the redis sync cache plugin. It caches per-user
// dataset checksum metas and fans out sync events over pub/sub so a user's
// other devices can refresh without polling.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/bookmark-sync/internal/checksum"
	"github.com/chirino/bookmark-sync/internal/config"
	registrycache "github.com/chirino/bookmark-sync/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultTTL = 10 * time.Minute

	// syncEventsChannel carries SyncEvent payloads for all users. Subscribers
	// filter by user id.
	syncEventsChannel = "bookmark-sync:events"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.SyncCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: BOOKMARK_SYNC_REDIS_URL is required")
	}
	ttl := cfg.ChecksumCacheTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURL creates a SyncCache from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string) (registrycache.SyncCache, error) {
	return LoadFromURLWithTTL(ctx, redisURL, defaultTTL)
}

// LoadFromURLWithTTL creates a cache with an explicit checksum TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.SyncCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisSyncCache{client: client, ttl: ttl}, nil
}

type redisSyncCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func checksumKey(userID string) string {
	return "bookmark-sync:checksum:" + userID
}

func (c *redisSyncCache) Available() bool { return true }

func (c *redisSyncCache) GetChecksum(ctx context.Context, userID string) (*checksum.Meta, error) {
	data, err := c.client.Get(ctx, checksumKey(userID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta checksum.Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *redisSyncCache) SetChecksum(ctx context.Context, userID string, meta *checksum.Meta, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, checksumKey(userID), data, ttl).Err()
}

func (c *redisSyncCache) InvalidateChecksum(ctx context.Context, userID string) error {
	return c.client.Del(ctx, checksumKey(userID)).Err()
}

func (c *redisSyncCache) PublishSyncEvent(ctx context.Context, event registrycache.SyncEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, syncEventsChannel, data).Err()
}

var _ registrycache.SyncCache = (*redisSyncCache)(nil)
