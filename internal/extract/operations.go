package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Built-in operation names.
const (
	OpInnerText  = "innerText"
	OpHTML       = "html"
	customPrefix = "custom:"
)

// Operation maps one matched element to a value. base is the page URL and
// may be used to resolve relative references.
type Operation func(sel *goquery.Selection, base *url.URL) any

// Registry holds the closed set of custom operations a schema may name with
// the custom:<id> form.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

// NewRegistry returns a registry preloaded with the standard custom operations.
func NewRegistry() *Registry {
	r := &Registry{ops: make(map[string]Operation)}
	r.Register("image", imageOp)
	r.Register("href", hrefOp)
	r.Register("price", priceOp)
	r.Register("ownText", ownTextOp)
	return r
}

// Register adds or replaces a custom operation.
func (r *Registry) Register(id string, op Operation) {
	r.mu.Lock()
	r.ops[id] = op
	r.mu.Unlock()
}

// Resolve maps an operation name from a schema to an Operation.
func (r *Registry) Resolve(name string) (Operation, error) {
	switch {
	case name == OpInnerText:
		return innerTextOp, nil
	case name == OpHTML:
		return htmlOp, nil
	case strings.HasPrefix(name, customPrefix):
		id := strings.TrimPrefix(name, customPrefix)
		r.mu.RLock()
		op, ok := r.ops[id]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown custom operation %q", id)
		}
		return op, nil
	case strings.TrimSpace(name) == "":
		return nil, fmt.Errorf("empty operation")
	default:
		return attrOp(name), nil
	}
}

func innerTextOp(sel *goquery.Selection, _ *url.URL) any {
	return strings.TrimSpace(sel.Text())
}

func htmlOp(sel *goquery.Selection, _ *url.URL) any {
	html, err := sel.Html()
	if err != nil {
		return nil
	}
	return strings.TrimSpace(html)
}

func attrOp(name string) Operation {
	return func(sel *goquery.Selection, _ *url.URL) any {
		val, ok := sel.Attr(name)
		if !ok || val == "" {
			return nil
		}
		return val
	}
}

func imageOp(sel *goquery.Selection, base *url.URL) any {
	for _, attr := range []string{"data-src", "data-lazy-src", "src"} {
		if val, ok := sel.Attr(attr); ok && strings.TrimSpace(val) != "" {
			return resolve(base, val)
		}
	}
	if srcset, ok := sel.Attr("srcset"); ok {
		first := strings.TrimSpace(strings.Split(srcset, ",")[0])
		if fields := strings.Fields(first); len(fields) > 0 {
			return resolve(base, fields[0])
		}
	}
	return nil
}

func hrefOp(sel *goquery.Selection, base *url.URL) any {
	val, ok := sel.Attr("href")
	if !ok || strings.TrimSpace(val) == "" {
		return nil
	}
	return resolve(base, val)
}

var priceChars = regexp.MustCompile(`[0-9][0-9.,]*`)

func priceOp(sel *goquery.Selection, _ *url.URL) any {
	raw := priceChars.FindString(sel.Text())
	if raw == "" {
		return nil
	}
	return normalizePrice(raw)
}

// normalizePrice turns "1.234,56" or "1,234.56" into "1234.56".
func normalizePrice(raw string) string {
	raw = strings.TrimRight(raw, ".,")
	lastDot := strings.LastIndex(raw, ".")
	lastComma := strings.LastIndex(raw, ",")
	decimal := -1
	if lastDot > lastComma {
		decimal = lastDot
	} else if lastComma > lastDot && len(raw)-lastComma-1 != 3 {
		decimal = lastComma
	}
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case i == decimal:
			b.WriteByte('.')
		}
	}
	return b.String()
}

func ownTextOp(sel *goquery.Selection, _ *url.URL) any {
	var b strings.Builder
	sel.Contents().Each(func(_ int, child *goquery.Selection) {
		if goquery.NodeName(child) == "#text" {
			b.WriteString(child.Text())
		}
	})
	return collapseSpace(b.String())
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if base == nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
