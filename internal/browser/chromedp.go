package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	defaultNavTimeout  = 30 * time.Second
	defaultSettleDelay = 500 * time.Millisecond
)

// Config controls the headless browser pool.
type Config struct {
	// MaxParallel bounds concurrently open tabs. Zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is slept after the body is ready so late scripts can run.
	SettleDelay time.Duration
	ExecPath    string
	Logger      *zap.Logger
}

// Pool shares one Chrome process across tabs.
type Pool struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	browser     context.Context
	browserStop context.CancelFunc
	logger      *zap.Logger

	startOnce sync.Once
	startErr  error
}

// NewPool prepares a pool; Chrome is launched on the first Open.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	} else if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	return &Pool{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		browser:     browserCtx,
		browserStop: browserStop,
		logger:      logger.Named("browser"),
	}, nil
}

// Close shuts Chrome down.
func (p *Pool) Close() {
	p.browserStop()
	p.allocCancel()
}

// Open navigates a new tab to url and waits for the body to be ready. The
// returned tab holds a pool slot until it is closed.
func (p *Pool) Open(ctx context.Context, url string) (Tab, error) {
	if err := p.start(); err != nil {
		return nil, err
	}
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(p.browser)
	page := &Page{pool: p, ctx: tabCtx, cancel: tabCancel}

	meta := &responseMeta{}
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	navCtx, stop := page.bind(ctx, p.cfg.NavigationTimeout)
	defer stop()

	var finalURL, title string
	err := chromedp.Run(navCtx,
		p.setupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(p.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
	)
	if err != nil {
		page.Close()
		return nil, fmt.Errorf("navigate %s: %w", url, classify(err))
	}
	if finalURL == "" {
		finalURL = url
	}
	page.url = finalURL
	page.title = title
	page.status = meta.get()
	return page, nil
}

func (p *Pool) start() error {
	p.startOnce.Do(func() {
		if err := chromedp.Run(p.browser); err != nil {
			p.startErr = fmt.Errorf("start browser: %w", err)
			return
		}
		p.logger.Info("browser started", zap.Int("max_parallel", p.cfg.MaxParallel))
	})
	return p.startErr
}

func (p *Pool) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if p.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(p.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (p *Pool) acquire(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	select {
	case p.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (p *Pool) release() {
	if p.limiter == nil {
		return
	}
	select {
	case <-p.limiter:
	default:
	}
}

// Page is a tab in the shared browser.
type Page struct {
	pool   *Pool
	ctx    context.Context
	cancel context.CancelFunc

	url    string
	title  string
	status int

	closeOnce sync.Once
}

// URL returns the location after redirects.
func (p *Page) URL() string { return p.url }

// Title returns the document title captured after navigation.
func (p *Page) Title() string { return p.title }

// Status returns the HTTP status of the main document, or 0 if unknown.
func (p *Page) Status() int { return p.status }

// HTML returns the current outer HTML of the document.
func (p *Page) HTML(ctx context.Context) (string, error) {
	runCtx, stop := p.bind(ctx, 0)
	defer stop()
	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", classify(err))
	}
	return html, nil
}

// WaitFor blocks until selector is visible or ctx is done.
func (p *Page) WaitFor(ctx context.Context, selector string) error {
	runCtx, stop := p.bind(ctx, 0)
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %q: %w", selector, classify(err))
	}
	return nil
}

// Close closes the tab and frees its pool slot.
func (p *Page) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.pool.release()
	})
}

// bind derives a context from the tab that is also canceled with ctx and
// bounded by timeout when positive.
func (p *Page) bind(ctx context.Context, timeout time.Duration) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(p.ctx)
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = withDeadline(runCtx, cancel, deadline)
	}
	if timeout > 0 {
		runCtx, cancel = withDeadline(runCtx, cancel, time.Now().Add(timeout))
	}
	stopAfter := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stopAfter()
		cancel()
	}
}

func withDeadline(parent context.Context, parentCancel context.CancelFunc, deadline time.Time) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithDeadline(parent, deadline)
	return ctx, func() {
		cancel()
		parentCancel()
	}
}

type responseMeta struct {
	mu     sync.Mutex
	status int
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	if m.status == 0 {
		m.status = int(resp.Response.Status)
	}
	m.mu.Unlock()
}

func (m *responseMeta) get() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
