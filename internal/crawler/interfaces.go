package crawler

import (
	"context"
	"io"
)

// LinkStore persists the crawl frontier.
type LinkStore interface {
	// EnqueueLink inserts url as pending, or resets an existing non-banned row to pending.
	EnqueueLink(ctx context.Context, url string) (Link, error)
	DequeuePendingLinks(ctx context.Context, limit int) ([]Link, error)
	CountPendingLinks(ctx context.Context) (int, error)
	MarkLinkVisited(ctx context.Context, linkID int64, success bool) error
	LinkExists(ctx context.Context, url string) (bool, error)
}

// ContentStore persists extraction results and their import status.
type ContentStore interface {
	// UpsertContent stores result for linkID, resetting the record to pending.
	UpsertContent(ctx context.Context, linkID int64, result ExtractionResult) (int64, error)
	DequeuePendingContent(ctx context.Context, limit int) ([]ContentRecord, error)
	MarkContentStatus(ctx context.Context, contentID int64, status ContentStatus) error
}

// QueueStore is the combined link and content store.
type QueueStore interface {
	LinkStore
	ContentStore
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}
