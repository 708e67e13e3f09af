// Package importer drains pending content records, normalizes them into the
// storefront's product shape, and publishes them.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/events"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// ErrAlreadyRunning is returned by Start while the loop is active.
var ErrAlreadyRunning = errors.New("import already running")

// Normalizer maps a raw extraction into the product shape the publisher expects.
type Normalizer interface {
	Normalize(ctx context.Context, record crawler.ContentRecord, result crawler.ExtractionResult) (Product, error)
}

// Publisher sends products to the commerce API.
type Publisher interface {
	CreateProduct(ctx context.Context, product any) (int64, error)
	AttachMetadata(ctx context.Context, productID int64, meta map[string]any) error
}

// Config controls the import loop.
type Config struct {
	// ContinueOnError marks a failing record failed and moves on instead of
	// stopping the loop.
	ContinueOnError bool
}

// Options carries the optional collaborators.
type Options struct {
	Events events.Emitter
	Logger *zap.Logger
}

// Importer runs a single sequential import loop at a time.
type Importer struct {
	store      crawler.ContentStore
	normalizer Normalizer
	publisher  Publisher
	events     events.Emitter
	cfg        Config
	logger     *zap.Logger
	tracer     trace.Tracer

	mu   sync.Mutex
	loop *loop
}

type loop struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	cancel   context.CancelFunc
}

func (l *loop) halt() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *loop) stopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

// outcome labels for metrics.
const (
	outcomePublished = "published"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

// storeError marks failures of the content store, which always end the loop.
type storeError struct{ err error }

func (e storeError) Error() string { return e.err.Error() }
func (e storeError) Unwrap() error { return e.err }

// New constructs an Importer.
func New(store crawler.ContentStore, normalizer Normalizer, publisher Publisher, cfg Config, opts Options) *Importer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := opts.Events
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Importer{
		store:      store,
		normalizer: normalizer,
		publisher:  publisher,
		events:     emitter,
		cfg:        cfg,
		logger:     logger.Named("importer"),
		tracer:     otel.Tracer("github.com/JakeFAU/catalog-crawler/internal/importer"),
	}
}

// Running reports whether the import loop is active.
func (i *Importer) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.loop != nil
}

// Start launches the import loop. It runs until no pending content remains,
// Stop is called, or a record fails under fail-stop.
func (i *Importer) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.loop != nil {
		i.mu.Unlock()
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &loop{stop: make(chan struct{}), done: make(chan struct{}), cancel: cancel}
	i.loop = l
	i.mu.Unlock()

	i.logger.Info("import started", zap.Bool("continue_on_error", i.cfg.ContinueOnError))
	events.Broadcast(i.events, events.ImportStatus, events.Status{IsRunning: true})
	go i.run(loopCtx, l)
	return nil
}

// Stop asks the loop to exit after the record in flight. It reports whether
// the loop was active.
func (i *Importer) Stop() bool {
	i.mu.Lock()
	l := i.loop
	i.mu.Unlock()
	if l == nil {
		return false
	}
	i.logger.Info("import stop requested")
	l.halt()
	return true
}

// Wait blocks until the active loop, if any, exits.
func (i *Importer) Wait(ctx context.Context) error {
	i.mu.Lock()
	l := i.loop
	i.mu.Unlock()
	if l == nil {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the loop and waits for it, cancelling the record in flight
// once ctx is done.
func (i *Importer) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	l := i.loop
	i.mu.Unlock()
	if l == nil {
		return nil
	}
	l.halt()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		l.cancel()
		<-l.done
		return ctx.Err()
	}
}

func (i *Importer) run(ctx context.Context, l *loop) {
	imported := 0
	defer func() {
		l.cancel()
		i.mu.Lock()
		if i.loop == l {
			i.loop = nil
		}
		i.mu.Unlock()
		i.logger.Info("import stopped", zap.Int("imported", imported))
		events.Broadcast(i.events, events.ImportStatus, events.Status{IsRunning: false})
		close(l.done)
	}()

	for !l.stopped() {
		records, err := i.store.DequeuePendingContent(ctx, 1)
		if err != nil {
			i.logger.Error("dequeue pending content", zap.Error(err))
			return
		}
		if len(records) == 0 {
			i.logger.Info("no pending content")
			return
		}
		record := records[0]

		published, err := i.importRecord(ctx, record)
		if published {
			imported++
		}
		if err == nil {
			continue
		}

		logger := i.logger.With(zap.Int64("content_id", record.ID), zap.String("url", record.ContentURL))
		var se storeError
		if errors.As(err, &se) || !i.cfg.ContinueOnError {
			logger.Error("import halted", zap.Error(err))
			return
		}
		logger.Warn("import record failed, skipping", zap.Error(err))
		var me metadataError
		if errors.As(err, &me) {
			continue
		}
		if markErr := i.store.MarkContentStatus(ctx, record.ID, crawler.ContentFailed); markErr != nil {
			logger.Error("mark content failed", zap.Error(markErr))
			return
		}
	}
}

// importRecord handles one record. A returned error means the record is
// still pending, except for metadataError; records that can never be
// imported are marked failed here.
func (i *Importer) importRecord(ctx context.Context, record crawler.ContentRecord) (bool, error) {
	ctx, span := i.tracer.Start(ctx, "import.record", trace.WithAttributes(
		attribute.Int64("content_id", record.ID),
		attribute.String("url", record.ContentURL),
	))
	defer span.End()

	logger := i.logger.With(zap.Int64("content_id", record.ID), zap.String("url", record.ContentURL))

	result, err := crawler.DecodeContent(record.Content)
	if err != nil || !result.Importable() {
		if err != nil {
			logger.Warn("undecodable content", zap.Error(err))
		} else {
			logger.Info("content has no product or category, marking failed")
		}
		metrics.ObserveImport(outcomeSkipped)
		if markErr := i.store.MarkContentStatus(ctx, record.ID, crawler.ContentFailed); markErr != nil {
			return false, storeError{fmt.Errorf("mark content failed: %w", markErr)}
		}
		return false, nil
	}
	result.URL = record.ContentURL

	product, err := i.normalizer.Normalize(ctx, record, result)
	if err != nil {
		logger.Warn("normalization failed, publishing raw record", zap.Error(err))
		product = RawProduct(record, result)
	}

	productID, err := i.publish(ctx, product)
	if err != nil {
		metrics.ObserveImport(outcomeFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var me metadataError
		if !errors.As(err, &me) {
			return false, err
		}
		// The product exists downstream; leaving the record pending would
		// create it again on the next run.
		logger.Error("product created without metadata, marking content failed",
			zap.Int64("product_id", me.productID), zap.Error(err))
		if markErr := i.store.MarkContentStatus(ctx, record.ID, crawler.ContentFailed); markErr != nil {
			return false, storeError{fmt.Errorf("mark content failed: %w", markErr)}
		}
		return false, err
	}

	if err := i.store.MarkContentStatus(ctx, record.ID, crawler.ContentCompleted); err != nil {
		return true, storeError{fmt.Errorf("mark content completed: %w", err)}
	}
	metrics.ObserveImport(outcomePublished)
	logger.Info("content imported", zap.Int64("product_id", productID))
	events.Broadcast(i.events, events.Imported, events.ImportResult{
		ContentID: record.ID,
		ProductID: productID,
		URL:       record.ContentURL,
	})
	return true, nil
}

func (i *Importer) publish(ctx context.Context, product Product) (int64, error) {
	productID, err := i.publisher.CreateProduct(ctx, product)
	if err != nil {
		return 0, fmt.Errorf("create product: %w", err)
	}
	if err := i.publisher.AttachMetadata(ctx, productID, product.Meta()); err != nil {
		return productID, metadataError{
			productID: productID,
			err:       fmt.Errorf("attach metadata to product %d: %w", productID, err),
		}
	}
	return productID, nil
}

// metadataError reports a product that was created but whose metadata could
// not be attached.
type metadataError struct {
	productID int64
	err       error
}

func (e metadataError) Error() string { return e.err.Error() }
func (e metadataError) Unwrap() error { return e.err }
