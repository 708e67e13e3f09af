package browser

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/catalog-crawler/internal/extract"
)

// HTTPConfig controls the static HTML navigator.
type HTTPConfig struct {
	UserAgent string
	Timeout   time.Duration
	// Transport overrides the default pooled transport (tests).
	Transport http.RoundTripper
}

// HTTPNavigator fetches pages without executing scripts. Waits succeed only
// for selectors present in the initial HTML.
type HTTPNavigator struct {
	cfg  HTTPConfig
	base *colly.Collector
}

// NewHTTPNavigator builds a colly-backed navigator.
func NewHTTPNavigator(cfg HTTPConfig) *HTTPNavigator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	return &HTTPNavigator{cfg: cfg, base: c}
}

// Open fetches url and returns its HTML as a Tab.
func (n *HTTPNavigator) Open(ctx context.Context, url string) (Tab, error) {
	collector := n.base.Clone()
	collector.Context = ctx

	var (
		page     *staticTab
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		html := string(r.Body)
		page = &staticTab{
			StaticPage: extract.NewStaticPage(r.Request.URL.String(), html),
			title:      documentTitle(html),
			status:     r.StatusCode,
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() { done <- collector.Visit(url) }()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch %s canceled: %w", url, ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, fetchErr)
	}
	if page == nil {
		return nil, fmt.Errorf("fetch %s: empty response", url)
	}
	return page, nil
}

type staticTab struct {
	*extract.StaticPage
	title  string
	status int
}

func (t *staticTab) Title() string { return t.title }
func (t *staticTab) Status() int   { return t.status }
func (t *staticTab) Close()        {}

func documentTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("head title").First().Text())
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
