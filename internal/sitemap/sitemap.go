// Package sitemap expands sitemap and sitemap-index documents into page URLs.
package sitemap

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

const (
	defaultMaxURLs  = 50000
	defaultMaxDepth = 3
)

// Config controls the expander.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxURLs caps the number of page URLs returned per expansion.
	MaxURLs int
	// MaxDepth bounds how many sitemap-index levels are followed.
	MaxDepth  int
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// Expander fetches sitemaps with colly.
type Expander struct {
	cfg    Config
	base   *colly.Collector
	logger *zap.Logger
}

// New builds an Expander.
func New(cfg Config) *Expander {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = defaultMaxURLs
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.MaxDepth(cfg.MaxDepth), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.Transport != nil {
		c.WithTransport(cfg.Transport)
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Expander{cfg: cfg, base: c, logger: logger.Named("sitemap")}
}

// Expand returns the page URLs listed by the sitemap at url, following
// nested sitemap indexes. The error is non-nil only if the root document
// could not be fetched.
func (e *Expander) Expand(ctx context.Context, url string) ([]string, error) {
	c := e.base.Clone()
	c.Context = ctx

	var (
		mu      sync.Mutex
		urls    []string
		seen    = make(map[string]struct{})
		rootErr error
	)
	c.OnXML("//urlset/url/loc", func(x *colly.XMLElement) {
		loc := strings.TrimSpace(x.Text)
		if loc == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if len(urls) >= e.cfg.MaxURLs {
			return
		}
		if _, dup := seen[loc]; dup {
			return
		}
		seen[loc] = struct{}{}
		urls = append(urls, loc)
	})
	c.OnXML("//sitemapindex/sitemap/loc", func(x *colly.XMLElement) {
		loc := strings.TrimSpace(x.Text)
		if loc == "" {
			return
		}
		if err := x.Request.Visit(loc); err != nil {
			e.logger.Debug("skip nested sitemap", zap.String("url", loc), zap.Error(err))
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.Request != nil && r.Request.URL.String() != url {
			e.logger.Warn("nested sitemap failed", zap.String("url", r.Request.URL.String()), zap.Error(err))
			return
		}
		mu.Lock()
		rootErr = err
		mu.Unlock()
	})

	if err := c.Visit(url); err != nil {
		return nil, fmt.Errorf("fetch sitemap %s: %w", url, err)
	}
	c.Wait()
	if rootErr != nil {
		return nil, fmt.Errorf("fetch sitemap %s: %w", url, rootErr)
	}
	return urls, nil
}
