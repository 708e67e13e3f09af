package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/storage/memory"
)

type countingStore struct {
	*memory.QueueStore
	existsCalls int
}

func (s *countingStore) LinkExists(ctx context.Context, url string) (bool, error) {
	s.existsCalls++
	return s.QueueStore.LinkExists(ctx, url)
}

func newCache(t *testing.T) (*SeenCache, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := &countingStore{QueueStore: memory.NewQueueStore()}
	return NewSeenCache(store, client, time.Hour, zap.NewNop()), store, mr
}

func TestSeenCacheEnqueueMarksSeen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, store, mr := newCache(t)

	link, err := cache.EnqueueLink(ctx, "https://shop.com/p/1")
	require.NoError(t, err)
	assert.Equal(t, crawler.LinkPending, link.Status)
	assert.True(t, mr.Exists(seenKey("https://shop.com/p/1")))

	exists, err := cache.LinkExists(ctx, "https://shop.com/p/1")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Zero(t, store.existsCalls, "cache hit must not reach the store")
}

func TestSeenCacheBackfillsOnStoreHit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, store, mr := newCache(t)

	_, err := store.QueueStore.EnqueueLink(ctx, "https://shop.com/p/2")
	require.NoError(t, err)

	exists, err := cache.LinkExists(ctx, "https://shop.com/p/2")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, store.existsCalls)
	assert.True(t, mr.Exists(seenKey("https://shop.com/p/2")))

	ttl := mr.TTL(seenKey("https://shop.com/p/2"))
	assert.Equal(t, time.Hour, ttl)

	missing, err := cache.LinkExists(ctx, "https://shop.com/none")
	require.NoError(t, err)
	assert.False(t, missing)
	assert.False(t, mr.Exists(seenKey("https://shop.com/none")))
}

func TestSeenCacheFallsThroughWhenRedisDown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, store, mr := newCache(t)

	_, err := store.QueueStore.EnqueueLink(ctx, "https://shop.com/p/3")
	require.NoError(t, err)
	mr.Close()

	exists, err := cache.LinkExists(ctx, "https://shop.com/p/3")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = cache.EnqueueLink(ctx, "https://shop.com/p/4")
	require.NoError(t, err)
}
