package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/schema"
)

// CanonicalLink reduces rawURL to the portion matched by pattern. When
// pattern is empty, the link rule of the schema registered for the URL's own
// host is used; URLs on hosts without a schema are rejected. The match may be
// relative (for example a path) and should be resolved against rawURL.
func (e *Engine) CanonicalLink(rawURL, pattern string) (string, bool) {
	if pattern == "" {
		target, ok := e.schemas.Lookup(crawler.Host(rawURL))
		if !ok {
			return "", false
		}
		if rule, ok := target.Extract.LinkRule(); ok {
			pattern = rule.Pattern
		}
		if pattern == "" {
			return stripFragment(rawURL), true
		}
	}

	re, err := e.patterns.get(pattern)
	if err != nil {
		e.logger.Warn("invalid link pattern", zap.String("pattern", pattern), zap.Error(err))
		return "", false
	}
	if m := re.FindString(rawURL); m != "" {
		return m, true
	}
	if bare := stripQuery(rawURL); bare != rawURL {
		if m := re.FindString(bare); m != "" {
			return m, true
		}
	}
	return "", false
}

func (e *Engine) discoverLinks(doc *goquery.Document, base *url.URL, sch *schema.Schema) []string {
	rule, ok := sch.Extract.LinkRule()
	if !ok || schema.IsScriptSelector(rule.Selector) {
		return nil
	}
	seen := make(map[string]struct{})
	var links []string
	doc.Find(rule.Selector).Each(func(_ int, sel *goquery.Selection) {
		raw, ok := sel.Attr(rule.Attribute)
		if !ok || strings.TrimSpace(raw) == "" {
			return
		}
		abs, err := base.Parse(strings.TrimSpace(raw))
		if err != nil || (abs.Scheme != "http" && abs.Scheme != "https") {
			return
		}
		canonical, ok := e.CanonicalLink(abs.String(), rule.Pattern)
		if !ok {
			return
		}
		full, err := abs.Parse(canonical)
		if err != nil {
			return
		}
		link, err := crawler.NormalizeURL(full.String())
		if err != nil {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

// compilePattern accepts plain RE2 syntax or a /body/flags literal; the i, m
// and s flags map to their inline equivalents and g, u, y are ignored.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	body, flags := pattern, ""
	if len(pattern) >= 2 && pattern[0] == '/' {
		if end := strings.LastIndex(pattern, "/"); end > 0 && validFlags(pattern[end+1:]) {
			body, flags = pattern[1:end], pattern[end+1:]
		}
	}
	var inline strings.Builder
	for _, f := range "ims" {
		if strings.ContainsRune(flags, f) {
			inline.WriteRune(f)
		}
	}
	if inline.Len() > 0 {
		body = "(?" + inline.String() + ")" + body
	}
	re, err := regexp.Compile(body)
	if err != nil {
		return nil, fmt.Errorf("compile link pattern: %w", err)
	}
	return re, nil
}

func validFlags(flags string) bool {
	for _, f := range flags {
		if !strings.ContainsRune("gimsuy", f) {
			return false
		}
	}
	return true
}

type patternCache struct {
	mu    sync.Mutex
	items map[string]*regexp.Regexp
}

func newPatternCache() *patternCache {
	return &patternCache{items: make(map[string]*regexp.Regexp)}
}

func (c *patternCache) get(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.items[pattern]; ok {
		return re, nil
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	c.items[pattern] = re
	return re, nil
}

func stripFragment(rawURL string) string {
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

func stripQuery(rawURL string) string {
	rawURL = stripFragment(rawURL)
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
