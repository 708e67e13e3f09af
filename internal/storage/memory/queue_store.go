// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// QueueStore keeps links and content records in maps guarded by one mutex.
type QueueStore struct {
	mu sync.Mutex

	now func() time.Time

	nextLinkID    int64
	links         map[int64]*crawler.Link
	linksByURL    map[string]int64
	nextContentID int64
	content       map[int64]*crawler.ContentRecord
	contentByLink map[int64]int64
}

var _ crawler.QueueStore = (*QueueStore)(nil)

// NewQueueStore constructs an empty QueueStore.
func NewQueueStore() *QueueStore {
	return &QueueStore{
		now:           func() time.Time { return time.Now().UTC() },
		links:         make(map[int64]*crawler.Link),
		linksByURL:    make(map[string]int64),
		content:       make(map[int64]*crawler.ContentRecord),
		contentByLink: make(map[int64]int64),
	}
}

// EnqueueLink inserts url as pending or resets a non-banned row to pending.
func (s *QueueStore) EnqueueLink(_ context.Context, url string) (crawler.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.linksByURL[url]; ok {
		link := s.links[id]
		if link.Status != crawler.LinkBanned {
			link.Status = crawler.LinkPending
		}
		return *link, nil
	}
	s.nextLinkID++
	link := &crawler.Link{
		ID:        s.nextLinkID,
		SourceURL: url,
		Status:    crawler.LinkPending,
		CreatedAt: s.now(),
	}
	s.links[link.ID] = link
	s.linksByURL[url] = link.ID
	return *link, nil
}

// DequeuePendingLinks returns up to limit pending links, oldest first.
func (s *QueueStore) DequeuePendingLinks(_ context.Context, limit int) ([]crawler.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []crawler.Link
	for _, id := range sortedKeys(s.links) {
		if limit > 0 && len(out) >= limit {
			break
		}
		if link := s.links[id]; link.Status == crawler.LinkPending {
			out = append(out, *link)
		}
	}
	return out, nil
}

// CountPendingLinks reports the number of pending links.
func (s *QueueStore) CountPendingLinks(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, link := range s.links {
		if link.Status == crawler.LinkPending {
			n++
		}
	}
	return n, nil
}

// MarkLinkVisited stamps the visit time and sets completed or failed.
func (s *QueueStore) MarkLinkVisited(_ context.Context, linkID int64, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[linkID]
	if !ok {
		return fmt.Errorf("link %d: %w", linkID, crawler.ErrNotFound)
	}
	link.Status = crawler.LinkFailed
	if success {
		link.Status = crawler.LinkCompleted
	}
	visited := s.now()
	link.VisitedAt = &visited
	return nil
}

// LinkExists reports whether url has ever been enqueued.
func (s *QueueStore) LinkExists(_ context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.linksByURL[url]
	return ok, nil
}

// ban marks url as banned, inserting it if necessary.
func (s *QueueStore) ban(ctx context.Context, url string) error {
	if _, err := s.EnqueueLink(ctx, url); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[s.linksByURL[url]].Status = crawler.LinkBanned
	return nil
}

// Link returns a copy of the link with id.
func (s *QueueStore) Link(id int64) (crawler.Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[id]
	if !ok {
		return crawler.Link{}, false
	}
	return *link, true
}

// UpsertContent stores result for linkID and resets the record to pending.
func (s *QueueStore) UpsertContent(_ context.Context, linkID int64, result crawler.ExtractionResult) (int64, error) {
	doc, contentURL, err := crawler.EncodeContent(result)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.links[linkID]; !ok {
		return 0, fmt.Errorf("link %d: %w", linkID, crawler.ErrNotFound)
	}
	now := s.now()
	if id, ok := s.contentByLink[linkID]; ok {
		rec := s.content[id]
		rec.Content = doc
		rec.ContentURL = contentURL
		rec.Status = crawler.ContentPending
		rec.UpdatedAt = now
		return id, nil
	}
	s.nextContentID++
	rec := &crawler.ContentRecord{
		ID:         s.nextContentID,
		SourceID:   linkID,
		Content:    doc,
		ContentURL: contentURL,
		Status:     crawler.ContentPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.content[rec.ID] = rec
	s.contentByLink[linkID] = rec.ID
	return rec.ID, nil
}

// DequeuePendingContent returns up to limit pending records, oldest first.
func (s *QueueStore) DequeuePendingContent(_ context.Context, limit int) ([]crawler.ContentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []crawler.ContentRecord
	for _, id := range sortedKeys(s.content) {
		if limit > 0 && len(out) >= limit {
			break
		}
		if rec := s.content[id]; rec.Status == crawler.ContentPending {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// MarkContentStatus moves a record to status.
func (s *QueueStore) MarkContentStatus(_ context.Context, contentID int64, status crawler.ContentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid content status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.content[contentID]
	if !ok {
		return fmt.Errorf("content %d: %w", contentID, crawler.ErrNotFound)
	}
	rec.Status = status
	rec.UpdatedAt = s.now()
	return nil
}

// Content returns a copy of the record with id.
func (s *QueueStore) Content(id int64) (crawler.ContentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.content[id]
	if !ok {
		return crawler.ContentRecord{}, false
	}
	return *rec, true
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
