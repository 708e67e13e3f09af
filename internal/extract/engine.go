package extract

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/schema"
)

const defaultWaitTimeout = 10 * time.Second

// ErrScriptSelector is logged when a schema leaf names a javascript: selector.
var ErrScriptSelector = schema.ErrScriptSelector

// SchemaSource resolves a schema by host.
type SchemaSource interface {
	Lookup(host string) (*schema.Schema, bool)
}

// Config tunes the engine.
type Config struct {
	// WaitTimeout bounds each wait4selection entry. Defaults to 10s.
	WaitTimeout time.Duration
	Registry    *Registry
	Logger      *zap.Logger
	Now         func() time.Time
}

// Engine applies domain schemas to pages.
type Engine struct {
	schemas     SchemaSource
	registry    *Registry
	waitTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
	patterns    *patternCache
}

// NewEngine constructs an Engine that resolves schemas through schemas.
func NewEngine(schemas SchemaSource, cfg Config) *Engine {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		schemas:     schemas,
		registry:    cfg.Registry,
		waitTimeout: cfg.WaitTimeout,
		logger:      cfg.Logger.Named("extract"),
		now:         cfg.Now,
		patterns:    newPatternCache(),
	}
}

// Extract runs the schema registered for the page's host. It returns
// (nil, nil) when the host has no schema.
func (e *Engine) Extract(ctx context.Context, page Page) (*crawler.ExtractionResult, error) {
	sch, ok := e.schemas.Lookup(crawler.Host(page.URL()))
	if !ok {
		return nil, nil
	}
	return e.ExtractWithSchema(ctx, page, sch)
}

// ExtractWithSchema evaluates sch against page: top-level waits, a DOM
// snapshot with removals applied, the product and category gates, and link
// discovery.
func (e *Engine) ExtractWithSchema(ctx context.Context, page Page, sch *schema.Schema) (*crawler.ExtractionResult, error) {
	pageURL := page.URL()
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	w := &walker{
		engine: e,
		page:   page,
		schema: sch,
		base:   base,
		logger: e.logger.With(zap.String("url", pageURL)),
	}

	if err := w.waitAll(ctx, sch.Wait4Selection); err != nil {
		return nil, err
	}
	if err := w.refresh(ctx); err != nil {
		return nil, err
	}

	out := &crawler.Extract{}
	rules := sch.Extract
	if rules.IsProduct != "" && w.matches(rules.IsProduct) {
		product, err := w.walk(ctx, rules.Product)
		if err != nil {
			return nil, err
		}
		out.IsProduct = true
		out.Product = product
	}
	if rules.IsCategory != "" && w.matches(rules.IsCategory) {
		category, err := w.walk(ctx, rules.Category)
		if err != nil {
			return nil, err
		}
		out.IsCategory = true
		out.Category = category
	}

	return &crawler.ExtractionResult{
		URL:       pageURL,
		Domain:    strings.ToLower(base.Host),
		Extract:   out,
		Links:     e.discoverLinks(w.doc, base, sch),
		Timestamp: e.now().UnixMilli(),
	}, nil
}

type walker struct {
	engine *Engine
	page   Page
	schema *schema.Schema
	base   *url.URL
	doc    *goquery.Document
	logger *zap.Logger
}

func (w *walker) walk(ctx context.Context, node any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sel, op, ok := schema.SelectorPair(node); ok {
		return w.evaluate(sel, op), nil
	}
	obj, ok := node.(map[string]any)
	if !ok {
		return node, nil
	}

	if waits := schema.WaitSelectors(obj); len(waits) > 0 {
		if err := w.waitAll(ctx, waits); err != nil {
			return nil, err
		}
		if err := w.refresh(ctx); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(obj))
	for key := range obj {
		if key != schema.WaitKey {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := make(map[string]any, len(keys))
	for _, key := range keys {
		value, err := w.walk(ctx, obj[key])
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

// evaluate applies op to every element matching selector. A single match
// yields a scalar; zero or several yield an array.
func (w *walker) evaluate(selector, opName string) any {
	if schema.IsScriptSelector(selector) {
		w.logger.Warn("skipping selector", zap.String("selector", selector), zap.Error(ErrScriptSelector))
		return nil
	}
	op, err := w.engine.registry.Resolve(opName)
	if err != nil {
		w.logger.Warn("skipping selector", zap.String("selector", selector), zap.Error(err))
		return nil
	}
	matches := w.doc.Find(selector)
	values := make([]any, 0, matches.Length())
	matches.Each(func(_ int, sel *goquery.Selection) {
		values = append(values, op(sel, w.base))
	})
	if len(values) == 1 {
		return values[0]
	}
	return values
}

func (w *walker) matches(selector string) bool {
	if schema.IsScriptSelector(selector) {
		return false
	}
	return w.doc.Find(selector).Length() > 0
}

// waitAll waits for each selector in turn. Timeouts are swallowed; only
// cancellation of ctx itself aborts.
func (w *walker) waitAll(ctx context.Context, selectors []string) error {
	for _, sel := range selectors {
		if schema.IsScriptSelector(sel) {
			continue
		}
		waitCtx, cancel := context.WithTimeout(ctx, w.engine.waitTimeout)
		err := w.page.WaitFor(waitCtx, sel)
		cancel()
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		w.logger.Debug("wait4selection gave up", zap.String("selector", sel), zap.Error(err))
	}
	return nil
}

// refresh snapshots the page and strips every removal selector.
func (w *walker) refresh(ctx context.Context) error {
	html, err := w.page.HTML(ctx)
	if err != nil {
		return fmt.Errorf("read page html: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fmt.Errorf("parse page html: %w", err)
	}
	applyRemovals(doc, w.schema.Removals)
	w.doc = doc
	return nil
}

func applyRemovals(doc *goquery.Document, removals map[string]string) {
	names := make([]string, 0, len(removals))
	for name := range removals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sel := removals[name]
		if sel == "" || schema.IsScriptSelector(sel) {
			continue
		}
		doc.Find(sel).Remove()
	}
}
