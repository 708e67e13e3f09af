// Package orchestrator drives crawl runs: it seeds a bounded worker pool with
// pending links, extracts each page, persists the result, and feeds
// discovered links back into the queue.
package orchestrator

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/browser"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/events"
	"github.com/JakeFAU/catalog-crawler/internal/extract"
)

const (
	defaultConcurrency = 2
	defaultSeedLimit   = 500
	maxSitemapRounds   = 3
)

// ErrAlreadyRunning is returned by Start while a run is active.
var ErrAlreadyRunning = errors.New("crawl already running")

// Navigator opens pages.
type Navigator interface {
	Open(ctx context.Context, url string) (browser.Tab, error)
}

// Extractor turns an open page into an extraction result.
type Extractor interface {
	// Extract returns (nil, nil) when the page's host has no schema.
	Extract(ctx context.Context, page extract.Page) (*crawler.ExtractionResult, error)
	Fallback(ctx context.Context, page extract.Page) (*crawler.ExtractionResult, error)
}

// SitemapExpander lists the page URLs of a sitemap.
type SitemapExpander interface {
	Expand(ctx context.Context, url string) ([]string, error)
}

// Limiter paces navigations per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls Orchestrator behavior.
type Config struct {
	Concurrency int
	SeedLimit   int
	// FallbackEnabled persists general page content for hosts without a schema.
	FallbackEnabled bool
	// ScheduleDiscovered feeds newly enqueued links into the active run.
	ScheduleDiscovered bool
	ExpandSitemaps     bool
	SnapshotPrefix     string
}

// Options carries the optional collaborators.
type Options struct {
	Sitemaps  SitemapExpander
	Limiter   Limiter
	Snapshots crawler.BlobStore
	Events    events.Emitter
	Logger    *zap.Logger
}

// Orchestrator owns at most one crawl run at a time.
type Orchestrator struct {
	store     crawler.QueueStore
	nav       Navigator
	extractor Extractor
	sitemaps  SitemapExpander
	limiter   Limiter
	snapshots crawler.BlobStore
	events    events.Emitter
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer

	mu  sync.Mutex
	run *run
}

// New constructs an Orchestrator.
func New(store crawler.QueueStore, nav Navigator, extractor Extractor, cfg Config, opts Options) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.SeedLimit <= 0 {
		cfg.SeedLimit = defaultSeedLimit
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "snapshots"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := opts.Events
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Orchestrator{
		store:     store,
		nav:       nav,
		extractor: extractor,
		sitemaps:  opts.Sitemaps,
		limiter:   opts.Limiter,
		snapshots: opts.Snapshots,
		events:    emitter,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		tracer:    otel.Tracer("github.com/JakeFAU/catalog-crawler/internal/orchestrator"),
	}
}

// Running reports whether a crawl run is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run != nil
}

// Start begins a crawl run in the background. The run outlives ctx's
// cancellation but keeps its values; use Shutdown to abort it.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.run != nil {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := newRun(o.cfg.SeedLimit, cancel)
	o.run = r
	o.mu.Unlock()

	o.logger.Info("crawl started", zap.Int("concurrency", o.cfg.Concurrency))
	events.Broadcast(o.events, events.CrawlStatus, events.Status{IsRunning: true})
	go o.execute(runCtx, r)
	return nil
}

// Stop asks the active run to finish its in-flight pages and take no more.
// It reports whether a run was active.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	r := o.run
	o.mu.Unlock()
	if r == nil {
		return false
	}
	o.logger.Info("crawl stop requested")
	r.halt()
	return true
}

// Wait blocks until the active run, if any, has finished.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	r := o.run
	o.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the active run and waits for it. In-flight pages are
// cancelled once ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	r := o.run
	o.mu.Unlock()
	if r == nil {
		return nil
	}
	r.halt()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		r.cancel()
		<-r.done
		return ctx.Err()
	}
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	defer o.finish(r)

	var wg sync.WaitGroup
	for range o.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.work(ctx, r)
		}()
	}

	links, err := o.seed(ctx, r)
	if err != nil {
		o.logger.Error("seed crawl", zap.Error(err))
		r.halt()
	}
	scheduled := 0
	for _, link := range links {
		if r.schedule(link) {
			scheduled++
		}
	}
	o.logger.Info("crawl seeded", zap.Int("links", scheduled))
	r.markSeeded()

	select {
	case <-r.drained:
		r.halt()
	case <-r.stop:
	}
	wg.Wait()
}

func (o *Orchestrator) work(ctx context.Context, r *run) {
	for {
		select {
		case <-r.stop:
			return
		case link := <-r.queue:
			if r.stopped() {
				return
			}
			o.process(ctx, r, link)
			r.complete(link.ID)
		}
	}
}

func (o *Orchestrator) finish(r *run) {
	r.cancel()
	o.mu.Lock()
	if o.run == r {
		o.run = nil
	}
	o.mu.Unlock()
	o.logger.Info("crawl stopped", zap.Int("processed", r.processedCount()))
	events.Broadcast(o.events, events.CrawlStatus, events.Status{IsRunning: false})
	close(r.done)
}

// run is the state of one crawl.
type run struct {
	queue   chan crawler.Link
	stop    chan struct{}
	drained chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	stopOnce sync.Once

	mu          sync.Mutex
	outstanding map[int64]struct{}
	seeded      bool
	finished    bool
	processed   int
}

func newRun(capacity int, cancel context.CancelFunc) *run {
	return &run{
		queue:       make(chan crawler.Link, capacity),
		stop:        make(chan struct{}),
		drained:     make(chan struct{}),
		done:        make(chan struct{}),
		cancel:      cancel,
		outstanding: make(map[int64]struct{}),
	}
}

// schedule queues link unless the run is stopping, the link is already
// queued or in flight, or the queue is full.
func (r *run) schedule(link crawler.Link) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.stopped() {
		return false
	}
	if _, dup := r.outstanding[link.ID]; dup {
		return false
	}
	select {
	case r.queue <- link:
		r.outstanding[link.ID] = struct{}{}
		return true
	default:
		return false
	}
}

func (r *run) complete(linkID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outstanding, linkID)
	r.processed++
	r.checkDrained()
}

func (r *run) markSeeded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeded = true
	r.checkDrained()
}

// checkDrained must be called with r.mu held.
func (r *run) checkDrained() {
	if r.seeded && !r.finished && len(r.outstanding) == 0 {
		r.finished = true
		close(r.drained)
	}
}

func (r *run) halt() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *run) processedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed
}
