package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/browser"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/events"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

const snapshotContentType = "text/html; charset=utf-8"

var errNoResult = errors.New("no extraction result")

// process visits one link and records the outcome. Store errors are treated
// as a failed visit.
func (o *Orchestrator) process(ctx context.Context, r *run, link crawler.Link) {
	ctx, span := o.tracer.Start(ctx, "crawl.link", trace.WithAttributes(
		attribute.String("url", link.SourceURL),
		attribute.Int64("link_id", link.ID),
	))
	defer span.End()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := o.logger.With(zap.Int64("link_id", link.ID), zap.String("url", link.SourceURL))
	result, size, err := o.visit(ctx, r, link)
	success := err == nil
	switch {
	case err == nil:
		logger.Debug("page processed")
	case errors.Is(err, crawler.ErrNavigationInterrupted):
		logger.Warn("page navigated away during extraction", zap.Error(err))
	case errors.Is(err, errNoResult):
		logger.Info("page produced no result")
	default:
		logger.Error("process page", zap.Error(err))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if markErr := o.store.MarkLinkVisited(ctx, link.ID, success); markErr != nil {
		logger.Error("mark link visited", zap.Error(markErr))
	}

	outcome := string(crawler.LinkCompleted)
	if !success {
		outcome = string(crawler.LinkFailed)
	}
	metrics.ObserveCrawl(link.SourceURL, outcome, size)
	events.Broadcast(o.events, events.Crawled, events.PageResult{
		URL:     link.SourceURL,
		Success: success,
		Content: result,
	})
}

func (o *Orchestrator) visit(ctx context.Context, r *run, link crawler.Link) (*crawler.ExtractionResult, int, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx, link.SourceURL); err != nil {
			return nil, 0, err
		}
	}

	tab, err := o.nav.Open(ctx, link.SourceURL)
	if err != nil {
		return nil, 0, fmt.Errorf("open page: %w", err)
	}
	defer tab.Close()
	o.logger.Debug("page opened", zap.String("url", link.SourceURL), zap.Int("status", tab.Status()))
	events.Broadcast(o.events, events.Crawling, events.Page{URL: link.SourceURL, Title: tab.Title()})

	result, err := o.extractor.Extract(ctx, tab)
	if err != nil {
		return nil, 0, fmt.Errorf("extract page: %w", err)
	}
	if result == nil && o.cfg.FallbackEnabled {
		result, err = o.extractor.Fallback(ctx, tab)
		if err != nil {
			return nil, 0, fmt.Errorf("fallback extract: %w", err)
		}
	}
	if result == nil {
		return nil, 0, errNoResult
	}

	size := o.snapshot(ctx, tab, result)

	if _, err := o.store.UpsertContent(ctx, link.ID, *result); err != nil {
		return nil, size, fmt.Errorf("upsert content: %w", err)
	}
	o.discover(ctx, r, result.Links)
	return result, size, nil
}

// snapshot archives the rendered HTML when a blob store is configured and
// returns its size. Failures only cost the snapshot.
func (o *Orchestrator) snapshot(ctx context.Context, tab browser.Tab, result *crawler.ExtractionResult) int {
	if o.snapshots == nil {
		return 0
	}
	html, err := tab.HTML(ctx)
	if err != nil {
		o.logger.Warn("read html for snapshot", zap.String("url", tab.URL()), zap.Error(err))
		return 0
	}
	uri, err := o.snapshots.PutObject(ctx, o.snapshotPath(tab.URL(), html), snapshotContentType, strings.NewReader(html))
	if err != nil {
		o.logger.Warn("store snapshot", zap.String("url", tab.URL()), zap.Error(err))
		return len(html)
	}
	result.Snapshot = uri
	return len(html)
}

func (o *Orchestrator) snapshotPath(pageURL, html string) string {
	sum := sha256.Sum256([]byte(html))
	host := crawler.Host(pageURL)
	if host == "" {
		host = "unknown"
	}
	prefix := strings.Trim(o.cfg.SnapshotPrefix, "/")
	return fmt.Sprintf("%s/%s/%s.html", prefix, host, hex.EncodeToString(sum[:]))
}

// discover enqueues links that are not yet known. With ScheduleDiscovered the
// new links also join the active run when there is room for them.
func (o *Orchestrator) discover(ctx context.Context, r *run, links []string) {
	added := 0
	for _, raw := range links {
		exists, err := o.store.LinkExists(ctx, raw)
		if err != nil {
			o.logger.Warn("check discovered link", zap.String("url", raw), zap.Error(err))
			continue
		}
		if exists {
			continue
		}
		link, err := o.store.EnqueueLink(ctx, raw)
		if err != nil {
			o.logger.Warn("enqueue discovered link", zap.String("url", raw), zap.Error(err))
			continue
		}
		added++
		if o.cfg.ScheduleDiscovered {
			r.schedule(link)
		}
	}
	if added > 0 {
		o.logger.Debug("links discovered", zap.Int("added", added))
	}
}

// seed dequeues up to SeedLimit pending links, expanding sitemap links into
// their pages first. Expanded pages are enqueued and picked up by the next
// dequeue round.
func (o *Orchestrator) seed(ctx context.Context, r *run) ([]crawler.Link, error) {
	for round := 0; ; round++ {
		links, err := o.store.DequeuePendingLinks(ctx, o.cfg.SeedLimit)
		if err != nil {
			return nil, fmt.Errorf("dequeue pending links: %w", err)
		}
		if !o.cfg.ExpandSitemaps || o.sitemaps == nil {
			return links, nil
		}
		pages, sitemaps := splitSitemaps(links)
		if len(sitemaps) == 0 || round == maxSitemapRounds {
			return pages, nil
		}
		for _, sm := range sitemaps {
			if r.stopped() {
				return nil, nil
			}
			o.expand(ctx, sm)
		}
	}
}

func (o *Orchestrator) expand(ctx context.Context, link crawler.Link) {
	logger := o.logger.With(zap.String("sitemap", link.SourceURL))
	urls, err := o.sitemaps.Expand(ctx, link.SourceURL)
	if err != nil {
		logger.Warn("expand sitemap", zap.Error(err))
	}
	added := 0
	for _, raw := range urls {
		normalized, nerr := crawler.NormalizeURL(raw)
		if nerr != nil {
			continue
		}
		if _, eerr := o.store.EnqueueLink(ctx, normalized); eerr != nil {
			logger.Warn("enqueue sitemap page", zap.String("url", normalized), zap.Error(eerr))
			continue
		}
		added++
	}
	if markErr := o.store.MarkLinkVisited(ctx, link.ID, err == nil); markErr != nil {
		logger.Error("mark sitemap visited", zap.Error(markErr))
	}
	logger.Info("sitemap expanded", zap.Int("pages", added))
}

func splitSitemaps(links []crawler.Link) (pages, sitemaps []crawler.Link) {
	for _, link := range links {
		if crawler.IsSitemap(link.SourceURL) {
			sitemaps = append(sitemaps, link)
			continue
		}
		pages = append(pages, link)
	}
	return pages, sitemaps
}
