package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const strippedFallbackElements = "script, style, noscript, nav, footer, header"

// Fallback collects page metadata, visible body text and outbound links for
// pages on hosts without a schema.
func (e *Engine) Fallback(ctx context.Context, page Page) (*crawler.ExtractionResult, error) {
	pageURL := page.URL()
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page html: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page html: %w", err)
	}

	meta := crawler.Meta{
		Title:         collapseSpace(doc.Find("head title").First().Text()),
		Description:   metaContent(doc, `meta[name="description"]`),
		OGTitle:       metaContent(doc, `meta[property="og:title"]`),
		OGDescription: metaContent(doc, `meta[property="og:description"]`),
		OGImage:       metaContent(doc, `meta[property="og:image"]`),
		OGURL:         metaContent(doc, `meta[property="og:url"]`),
		Keywords:      metaContent(doc, `meta[name="keywords"]`),
	}
	if meta.OGURL == "" {
		meta.OGURL = pageURL
	}

	body := doc.Find("body").Clone()
	body.Find(strippedFallbackElements).Remove()

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		abs, err := base.Parse(strings.TrimSpace(href))
		if err != nil || (abs.Scheme != "http" && abs.Scheme != "https") {
			return
		}
		abs.Fragment = ""
		link := abs.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})

	return &crawler.ExtractionResult{
		URL:    pageURL,
		Domain: strings.ToLower(base.Host),
		Type:   crawler.ResultTypeGeneral,
		Content: &crawler.GeneralContent{
			Meta:  meta,
			Text:  collapseSpace(body.Text()),
			Links: links,
		},
		Timestamp: e.now().UnixMilli(),
	}, nil
}

func metaContent(doc *goquery.Document, selector string) string {
	val, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(val)
}
