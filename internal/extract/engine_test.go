package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/schema"
)

type schemaMap map[string]*schema.Schema

func (m schemaMap) Lookup(host string) (*schema.Schema, bool) {
	s, ok := m[host]
	return s, ok
}

func mustSchema(t *testing.T, doc string) *schema.Schema {
	t.Helper()
	sch, err := schema.Parse([]byte(doc))
	require.NoError(t, err)
	return sch
}

var fixedNow = func() time.Time { return time.UnixMilli(1700000000000) }

const productHTML = `<html><head><title>Widget</title></head><body>
<div class="product-page">
  <h1 class="title">  Blue
     Widget </h1>
  <span class="price">$1,234.50</span>
  <img class="gallery" src="/img/1.jpg"><img class="gallery" data-src="https://cdn.x.com/2.jpg">
  <div class="ad"><span class="price">$1.00</span></div>
  <a class="product" href="/shop/widget-42/?ref=ad">Widget 42</a>
  <a class="product" href="https://x.com/shop/widget-42/#reviews">dup</a>
  <a class="product" href="https://x.com/about">About</a>
  <a class="product" href="mailto:a@x.com">Mail</a>
  <span class="sku" data-sku="">SKU</span>
</div>
</body></html>`

const productSchema = `{
  "removals": {"ads": ".ad"},
  "extract": {
    "isProduct": ".product-page",
    "product": {
      "name": ["h1.title", "innerText"],
      "price": [".price", "custom:price"],
      "images": ["img.gallery", "custom:image"],
      "sku": [".sku", "data-sku"],
      "reviews": [".review", "innerText"],
      "currency": "USD",
      "tags": ["a", "b", "c"],
      "page": {"title": ["title", "innerText"]}
    },
    "isCategory": ".category-grid",
    "category": {"name": ["h2", "innerText"]},
    "links": ["a.product", "href", "/\\/shop\\/([a-z0-9-]+)\\/?$/i"]
  }
}`

func TestExtractProduct(t *testing.T) {
	t.Parallel()

	engine := NewEngine(schemaMap{"x.com": mustSchema(t, productSchema)}, Config{Now: fixedNow})
	page := NewStaticPage("https://x.com/shop/widget-1/", productHTML)

	result, err := engine.Extract(context.Background(), page)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "https://x.com/shop/widget-1/", result.URL)
	assert.Equal(t, "x.com", result.Domain)
	assert.Equal(t, int64(1700000000000), result.Timestamp)

	require.NotNil(t, result.Extract)
	assert.True(t, result.Extract.IsProduct)
	assert.False(t, result.Extract.IsCategory)
	assert.Nil(t, result.Extract.Category)

	want := map[string]any{
		"name":     "Blue\n     Widget",
		"price":    "1234.50",
		"images":   []any{"https://x.com/img/1.jpg", "https://cdn.x.com/2.jpg"},
		"sku":      nil,
		"reviews":  []any{},
		"currency": "USD",
		"tags":     []any{"a", "b", "c"},
		"page":     map[string]any{"title": "Widget"},
	}
	assert.Equal(t, want, result.Extract.Product)
	assert.Equal(t, []string{"https://x.com/shop/widget-42/"}, result.Links)
}

func TestExtractGateMisses(t *testing.T) {
	t.Parallel()

	engine := NewEngine(schemaMap{"x.com": mustSchema(t, productSchema)}, Config{})
	page := NewStaticPage("https://x.com/", `<html><body><h1 class="title">Home</h1></body></html>`)

	result, err := engine.Extract(context.Background(), page)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Extract.IsProduct)
	assert.Nil(t, result.Extract.Product)
	assert.False(t, result.Importable())
}

func TestExtractWithoutSchema(t *testing.T) {
	t.Parallel()

	engine := NewEngine(schemaMap{}, Config{})
	result, err := engine.Extract(context.Background(), NewStaticPage("https://unknown.com/", "<html></html>"))
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestExtractMissingWaitDoesNotBlock(t *testing.T) {
	t.Parallel()

	sch := mustSchema(t, `{
	  "wait4selection": ["#never"],
	  "extract": {
	    "isProduct": "h1",
	    "product": {"wait4selection": ["#also-never"], "name": ["h1", "innerText"]}
	  }
	}`)
	engine := NewEngine(schemaMap{"x.com": sch}, Config{WaitTimeout: 20 * time.Millisecond})

	start := time.Now()
	result, err := engine.Extract(context.Background(), NewStaticPage("https://x.com/p", "<html><body><h1>Hi</h1></body></html>"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, map[string]any{"name": "Hi"}, result.Extract.Product)
}

// lazyPage renders extra markup only after a wait has been issued.
type lazyPage struct {
	waited atomic.Bool
}

func (p *lazyPage) URL() string { return "https://x.com/p/1" }

func (p *lazyPage) HTML(context.Context) (string, error) {
	if p.waited.Load() {
		return `<html><body><h1>Item</h1><div class="ad">x</div><span class="late">here</span></body></html>`, nil
	}
	return `<html><body><h1>Item</h1></body></html>`, nil
}

func (p *lazyPage) WaitFor(context.Context, string) error {
	p.waited.Store(true)
	return nil
}

func TestNestedWaitRefreshesSnapshot(t *testing.T) {
	t.Parallel()

	sch := mustSchema(t, `{
	  "removals": {"ads": ".ad"},
	  "extract": {
	    "isProduct": "h1",
	    "product": {
	      "title": ["h1", "innerText"],
	      "details": {"wait4selection": [".late"], "late": [".late", "innerText"], "ad": [".ad", "innerText"]}
	    }
	  }
	}`)
	engine := NewEngine(schemaMap{"x.com": sch}, Config{})

	result, err := engine.Extract(context.Background(), &lazyPage{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"title":   "Item",
		"details": map[string]any{"late": "here", "ad": []any{}},
	}, result.Extract.Product)
}

type brokenPage struct{}

func (brokenPage) URL() string { return "https://x.com/p" }
func (brokenPage) HTML(context.Context) (string, error) {
	return "", crawler.ErrNavigationInterrupted
}
func (brokenPage) WaitFor(context.Context, string) error { return nil }

func TestExtractNavigationInterrupted(t *testing.T) {
	t.Parallel()

	engine := NewEngine(schemaMap{"x.com": mustSchema(t, productSchema)}, Config{})
	result, err := engine.Extract(context.Background(), brokenPage{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, crawler.ErrNavigationInterrupted))
	assert.Nil(t, result)
}

func TestExtractScriptSelectorYieldsNull(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	doc := `{"extract":{
		"isProduct":"h1",
		"product":{"legacy":["javascript:document.title","innerText"],"name":["h1","innerText"]}
	}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.com.json"), []byte(doc), 0o600))
	store, err := schema.NewStore(dir, zap.NewNop())
	require.NoError(t, err)
	engine := NewEngine(store, Config{})

	result, err := engine.Extract(context.Background(), NewStaticPage("https://x.com/", "<html><body><h1>T</h1></body></html>"))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Extract.IsProduct)
	assert.Equal(t, map[string]any{"legacy": nil, "name": "T"}, result.Extract.Product)
}

func TestExtractCanceled(t *testing.T) {
	t.Parallel()

	engine := NewEngine(schemaMap{"x.com": mustSchema(t, productSchema)}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Extract(ctx, NewStaticPage("https://x.com/", productHTML))
	require.ErrorIs(t, err, context.Canceled)
}
