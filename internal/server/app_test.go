package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/events"
)

const shopPage = `<html><head><title>Widget | Shop</title></head><body>
<div class="product">
  <h1 class="title">Blue Widget</h1>
  <span class="price">$9.99</span>
  <div class="ad">buy now</div>
</div>
</body></html>`

const shopSchema = `{
  "removals": {"ads": ".ad"},
  "extract": {
    "isProduct": ".product",
    "product": {
      "name": ["h1.title", "innerText"],
      "price": [".price", "custom:price"]
    }
  }
}`

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Consume(_ context.Context, batch []events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, batch...)
	return nil
}

func (l *eventLog) Close(context.Context) error { return nil }

func (l *eventLog) has(name events.Name) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, evt := range l.events {
		if evt.Name == name {
			return true
		}
	}
	return false
}

type commerceFake struct {
	mu       sync.Mutex
	products []map[string]any
	meta     []map[string]any
}

func (c *commerceFake) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /product/0", func(w http.ResponseWriter, r *http.Request) {
		var product map[string]any
		if err := json.NewDecoder(r.Body).Decode(&product); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.products = append(c.products, product)
		c.mu.Unlock()
		_, _ = w.Write([]byte(`{"id":42}`))
	})
	mux.HandleFunc("POST /product/42/metabox", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.meta = append(c.meta, body)
		c.mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	})
	return mux
}

func (c *commerceFake) published() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.products...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.DSN = ""
	cfg.Redis.Addr = ""
	cfg.Schemas.Dir = t.TempDir()
	cfg.Schemas.Watch = false
	cfg.Crawler.Renderer = config.RendererHTTP
	cfg.Crawler.DomainQPS = 0
	cfg.Crawler.ExpandSitemaps = false
	cfg.Snapshots.Backend = config.SnapshotsMemory
	cfg.Events.LogEnabled = false
	cfg.Events.MetricsEnabled = false
	cfg.Events.MaxBatchWaitMs = 5
	cfg.PubSub = config.PubSubConfig{}
	cfg.Telemetry.TracingEnabled = false
	cfg.Auth.Enabled = false
	return &cfg
}

func post(t *testing.T, h http.Handler, path string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader("")))
	return rec.Code
}

func TestAppCrawlsAndImports(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	shop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/p/1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(shopPage))
	}))
	t.Cleanup(shop.Close)

	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		content := `{"name":"Blue Widget","price":"9.99","sku":"BW-1"}`
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": content},
			"done":    true,
		})
	}))
	t.Cleanup(chat.Close)

	shopAPI := &commerceFake{}
	commerceSrv := httptest.NewServer(shopAPI.handler())
	t.Cleanup(commerceSrv.Close)

	cfg := testConfig(t)
	cfg.LLM.BaseURL = chat.URL
	cfg.Publish.BaseURL = commerceSrv.URL

	app, err := BuildWithLogger(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Close(closeCtx)
	})

	log := &eventLog{}
	app.hub.Subscribe(log)

	require.NoError(t, app.schemas.Save(crawler.Host(shop.URL), json.RawMessage(shopSchema)))
	_, err = app.stores.Queue.EnqueueLink(ctx, shop.URL+"/p/1")
	require.NoError(t, err)

	h := app.Handler()
	require.Equal(t, http.StatusAccepted, post(t, h, "/crawler/start"))
	require.Eventually(t, func() bool {
		return !app.orchestrator.Running() && log.has(events.Crawled)
	}, 10*time.Second, 20*time.Millisecond)

	pending, err := app.stores.Queue.CountPendingLinks(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)

	require.Equal(t, http.StatusAccepted, post(t, h, "/imports/start"))
	require.Eventually(t, func() bool {
		return len(shopAPI.published()) == 1 && log.has(events.Imported)
	}, 10*time.Second, 20*time.Millisecond)

	product := shopAPI.published()[0]
	require.Equal(t, "Blue Widget", product["name"])
	require.Equal(t, shop.URL+"/p/1", product["source_url"])

	require.Eventually(t, func() bool { return !app.importer.Running() }, 5*time.Second, 20*time.Millisecond)
	records, err := app.stores.Queue.DequeuePendingContent(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, records, "imported record should be completed")
}

func TestAppReadiness(t *testing.T) {
	t.Parallel()

	app, err := BuildWithLogger(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenStoresMigrateNeedsDatabase(t *testing.T) {
	t.Parallel()

	stores, err := OpenStores(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	defer stores.Close()
	require.ErrorIs(t, stores.Migrate(context.Background()), ErrNoDatabase)
	require.NoError(t, stores.Ping(context.Background()))
	require.Equal(t, "*memory.QueueStore", fmt.Sprintf("%T", stores.Queue))
}
