package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/events"
	"github.com/JakeFAU/catalog-crawler/internal/orchestrator"
	"github.com/JakeFAU/catalog-crawler/internal/schema"
	"github.com/JakeFAU/catalog-crawler/internal/storage/memory"
)

const widgetSchema = `{"extract":{"isProduct":".product","product":{"name":["h1","innerText"]}}}`

type fakeLoop struct {
	running  atomic.Bool
	starts   atomic.Int32
	stops    atomic.Int32
	startErr error
}

func (l *fakeLoop) Start(context.Context) error {
	if l.startErr != nil {
		return l.startErr
	}
	if !l.running.CompareAndSwap(false, true) {
		return orchestrator.ErrAlreadyRunning
	}
	l.starts.Add(1)
	return nil
}

func (l *fakeLoop) Stop() bool {
	l.stops.Add(1)
	return l.running.Swap(false)
}

func (l *fakeLoop) Running() bool { return l.running.Load() }

type failingLinks struct{}

func (failingLinks) EnqueueLink(context.Context, string) (crawler.Link, error) {
	return crawler.Link{}, errors.New("connection refused")
}

func (failingLinks) CountPendingLinks(context.Context) (int, error) {
	return 0, errors.New("connection refused")
}

type nopHub struct{}

func (nopHub) Subscribe(events.Listener) func() { return func() {} }

type testEnv struct {
	server  *Server
	crawl   *fakeLoop
	imports *fakeLoop
	store   *memory.QueueStore
	schemas *schema.Store
}

func newTestEnv(t *testing.T, cfg config.Config, hub Hub, opts ...Option) *testEnv {
	t.Helper()
	schemas, err := schema.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	env := &testEnv{
		crawl:   &fakeLoop{},
		imports: &fakeLoop{},
		store:   memory.NewQueueStore(),
		schemas: schemas,
	}
	if hub == nil {
		hub = nopHub{}
	}
	cmds := NewCommands(env.crawl, env.imports, env.store, schemas, zap.NewNop())
	env.server = NewServer(cmds, hub, cfg, zap.NewNop(), opts...)
	return env
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	rec := do(t, env.server.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, env.server.Handler(), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	failing := newTestEnv(t, config.Config{}, nil, WithReadiness(func(context.Context) error {
		return errors.New("db down")
	}))
	rec = do(t, failing.server.Handler(), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	do(t, env.server.Handler(), http.MethodGet, "/healthz", "")
	rec := do(t, env.server.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_UpdateLinks(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	h := env.server.Handler()

	rec := do(t, h, http.MethodPost, "/crawler/update-links",
		`{"links":"https://Shop.Example.com/a#top, not a url,\nshop.example.com/b"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "success", body)
	require.True(t, env.crawl.Running())

	exists, err := env.store.LinkExists(context.Background(), "https://shop.example.com/a")
	require.NoError(t, err)
	require.True(t, exists)
	pending, err := env.store.CountPendingLinks(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	// A second update while running does not restart the crawl.
	rec = do(t, h, http.MethodPost, "/crawler/update-links", `{"links":"https://shop.example.com/c"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, env.crawl.starts.Load())
}

func TestServer_UpdateLinksRejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	h := env.server.Handler()

	cases := map[string]string{
		"missing field": `{}`,
		"not json":      `links=a`,
		"no valid link": `{"links":"nope, , also nope"}`,
	}
	for name, body := range cases {
		rec := do(t, h, http.MethodPost, "/crawler/update-links", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
		require.Contains(t, rec.Body.String(), "Invalid links provided", name)
	}
	require.False(t, env.crawl.Running())
}

func TestServer_UpdateLinksStoreFailure(t *testing.T) {
	t.Parallel()

	crawl := &fakeLoop{}
	schemas, err := schema.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	cmds := NewCommands(crawl, &fakeLoop{}, failingLinks{}, schemas, zap.NewNop())
	srv := NewServer(cmds, nopHub{}, config.Config{}, zap.NewNop())

	rec := do(t, srv.Handler(), http.MethodPost, "/crawler/update-links", `{"links":"https://shop.example.com"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.False(t, crawl.Running())

	rec = do(t, srv.Handler(), http.MethodGet, "/crawler/status", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_StartStopAndStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	h := env.server.Handler()
	_, err := env.store.EnqueueLink(context.Background(), "https://shop.example.com/a")
	require.NoError(t, err)

	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/crawler/start", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/crawler/start", "").Code)
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/imports/start", "").Code)

	rec := do(t, h, http.MethodGet, "/crawler/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, Status{IsRunning: true, Importing: true, Pending: 1}, st)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/crawler/stop", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/imports/stop", "").Code)
	require.False(t, env.crawl.Running())
	require.False(t, env.imports.Running())
}

func TestServer_StartFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	env.imports.startErr = errors.New("boom")
	rec := do(t, env.server.Handler(), http.MethodPost, "/imports/start", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_Schemas(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	h := env.server.Handler()

	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/schemas/shop.example.com", "").Code)
	require.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPut, "/schemas/shop.example.com", `{"extract":{"isProduct":"javascript:alert(1)"}}`).Code)
	require.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPut, "/schemas/bad_host", widgetSchema).Code)

	rec := do(t, h, http.MethodPut, "/schemas/shop.example.com", widgetSchema)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/schemas/shop.example.com", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, widgetSchema, rec.Body.String())
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	env := newTestEnv(t, cfg, nil)
	h := env.server.Handler()

	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/crawler/status", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/crawler/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/crawler/status?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := do(t, h, http.MethodGet, "/", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}
