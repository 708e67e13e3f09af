package extract

import (
	"context"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Page is a loaded document the engine can read from.
type Page interface {
	// URL returns the final location of the page after redirects.
	URL() string
	// HTML snapshots the current document.
	HTML(ctx context.Context) (string, error)
	// WaitFor blocks until selector matches or ctx is done.
	WaitFor(ctx context.Context, selector string) error
}

// StaticPage serves a fixed HTML document. WaitFor succeeds immediately for
// selectors present in the document and otherwise blocks until ctx is done.
type StaticPage struct {
	url  string
	html string

	once sync.Once
	doc  *goquery.Document
	err  error
}

// NewStaticPage wraps html as a Page located at url.
func NewStaticPage(url, html string) *StaticPage {
	return &StaticPage{url: url, html: html}
}

// URL implements Page.
func (p *StaticPage) URL() string { return p.url }

// HTML implements Page.
func (p *StaticPage) HTML(context.Context) (string, error) { return p.html, nil }

// WaitFor implements Page.
func (p *StaticPage) WaitFor(ctx context.Context, selector string) error {
	p.once.Do(func() {
		p.doc, p.err = goquery.NewDocumentFromReader(strings.NewReader(p.html))
	})
	if p.err != nil {
		return p.err
	}
	if p.doc.Find(selector).Length() > 0 {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}
