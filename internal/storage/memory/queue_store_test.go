package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func TestQueueStoreLinkLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewQueueStore()

	a, err := store.EnqueueLink(ctx, "https://a.com/")
	require.NoError(t, err)
	b, err := store.EnqueueLink(ctx, "https://b.com/")
	require.NoError(t, err)
	assert.Less(t, a.ID, b.ID)

	n, err := store.CountPendingLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	links, err := store.DequeuePendingLinks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "https://a.com/", links[0].SourceURL)

	require.NoError(t, store.MarkLinkVisited(ctx, a.ID, true))
	got, _ := store.Link(a.ID)
	assert.Equal(t, crawler.LinkCompleted, got.Status)
	assert.NotNil(t, got.VisitedAt)

	again, err := store.EnqueueLink(ctx, "https://a.com/")
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)
	assert.Equal(t, crawler.LinkPending, again.Status)

	require.ErrorIs(t, store.MarkLinkVisited(ctx, 999, false), crawler.ErrNotFound)
}

func TestQueueStoreBannedStaysBanned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewQueueStore()

	require.NoError(t, store.ban(ctx, "https://spam.com/"))
	link, err := store.EnqueueLink(ctx, "https://spam.com/")
	require.NoError(t, err)
	assert.Equal(t, crawler.LinkBanned, link.Status)

	exists, err := store.LinkExists(ctx, "https://spam.com/")
	require.NoError(t, err)
	assert.True(t, exists)

	pending, err := store.DequeuePendingLinks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestQueueStoreContentUpsertResetsStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewQueueStore()

	link, err := store.EnqueueLink(ctx, "https://shop.com/p/1")
	require.NoError(t, err)
	result := crawler.ExtractionResult{
		URL:     "https://shop.com/p/1",
		Domain:  "shop.com",
		Extract: &crawler.Extract{IsProduct: true, Product: map[string]any{"name": "A"}},
	}

	id, err := store.UpsertContent(ctx, link.ID, result)
	require.NoError(t, err)
	require.NoError(t, store.MarkContentStatus(ctx, id, crawler.ContentCompleted))

	records, err := store.DequeuePendingContent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, records)

	again, err := store.UpsertContent(ctx, link.ID, result)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	records, err = store.DequeuePendingContent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "https://shop.com/p/1", records[0].ContentURL)
	assert.NotContains(t, string(records[0].Content), `"url"`)

	_, err = store.UpsertContent(ctx, 999, result)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.Error(t, store.MarkContentStatus(ctx, id, crawler.ContentStatus("bogus")))
}
