// Package redis fronts the link store with a Redis-backed "already enqueued" cache.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const (
	seenKeyPrefix  = "catalog-crawler:seen:"
	defaultSeenTTL = 24 * time.Hour
)

// Config controls the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	SeenTTL  time.Duration
}

// NewClient builds a go-redis client from cfg and verifies it with PING.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// SeenCache wraps a QueueStore so LinkExists checks hit Redis before the
// database. Cache errors are logged and fall through to the wrapped store.
type SeenCache struct {
	crawler.QueueStore

	client goredis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

var _ crawler.QueueStore = (*SeenCache)(nil)

// NewSeenCache decorates next with a Redis cache.
func NewSeenCache(next crawler.QueueStore, client goredis.Cmdable, ttl time.Duration, logger *zap.Logger) *SeenCache {
	if ttl <= 0 {
		ttl = defaultSeenTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SeenCache{
		QueueStore: next,
		client:     client,
		ttl:        ttl,
		logger:     logger.Named("seen_cache"),
	}
}

// LinkExists consults Redis first and backfills it on a database hit.
func (c *SeenCache) LinkExists(ctx context.Context, url string) (bool, error) {
	key := seenKey(url)
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		c.logger.Warn("seen cache lookup failed", zap.Error(err))
	} else if n == 1 {
		return true, nil
	}

	exists, err := c.QueueStore.LinkExists(ctx, url)
	if err != nil {
		return false, err
	}
	if exists {
		c.remember(ctx, key)
	}
	return exists, nil
}

// EnqueueLink writes through to the store and records the URL as seen.
func (c *SeenCache) EnqueueLink(ctx context.Context, url string) (crawler.Link, error) {
	link, err := c.QueueStore.EnqueueLink(ctx, url)
	if err != nil {
		return crawler.Link{}, err
	}
	c.remember(ctx, seenKey(url))
	return link, nil
}

func (c *SeenCache) remember(ctx context.Context, key string) {
	if err := c.client.Set(ctx, key, "1", c.ttl).Err(); err != nil {
		c.logger.Warn("seen cache write failed", zap.Error(err))
	}
}

func seenKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return seenKeyPrefix + hex.EncodeToString(sum[:])
}
