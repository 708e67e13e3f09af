package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const widgetSchema = `{
  "wait4selection": ["h1.title"],
  "removals": {"ads": ".ad", "cookie": "#cookie-banner"},
  "extract": {
    "isProduct": ".product-page",
    "product": {
      "name": ["h1.title", "innerText"],
      "images": ["img.gallery", "custom:image"],
      "currency": "USD",
      "pricing": {
        "wait4selection": [".price"],
        "amount": [".price", "custom:price"]
      }
    },
    "links": ["a.product", "href", "/\\/shop\\/([a-z0-9-]+)\\/?$/i"]
  }
}`

func TestParse(t *testing.T) {
	t.Parallel()

	sch, err := Parse([]byte(widgetSchema))
	require.NoError(t, err)

	assert.Equal(t, []string{"h1.title"}, sch.Wait4Selection)
	assert.Equal(t, ".ad", sch.Removals["ads"])
	assert.Equal(t, ".product-page", sch.Extract.IsProduct)
	assert.JSONEq(t, widgetSchema, string(sch.Raw()))

	rule, ok := sch.Extract.LinkRule()
	require.True(t, ok)
	assert.Equal(t, "a.product", rule.Selector)
	assert.Equal(t, "href", rule.Attribute)
	assert.Equal(t, `/\/shop\/([a-z0-9-]+)\/?$/i`, rule.Pattern)
}

func TestParseRejectsBadSelectors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"script":      `{"extract":{"product":{"name":["javascript:alert(1)","innerText"]}}}`,
		"syntax":      `{"extract":{"isProduct":"div[[["}}`,
		"nested wait": `{"extract":{"product":{"wait4selection":["a:::b"],"x":"y"}}}`,
		"not json":    `{"extract":`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(doc))
			require.ErrorIs(t, err, ErrInvalidSchema)
		})
	}
}

func TestLinkRuleDefaults(t *testing.T) {
	t.Parallel()

	rule, ok := Rules{Links: []string{"a.next"}}.LinkRule()
	require.True(t, ok)
	assert.Equal(t, "href", rule.Attribute)
	assert.Empty(t, rule.Pattern)

	_, ok = Rules{}.LinkRule()
	assert.False(t, ok)
}

func TestSelectorPair(t *testing.T) {
	t.Parallel()

	sel, op, ok := SelectorPair([]any{"h1", "innerText"})
	require.True(t, ok)
	assert.Equal(t, "h1", sel)
	assert.Equal(t, "innerText", op)

	_, _, ok = SelectorPair([]any{"a", "b", "c"})
	assert.False(t, ok)
	_, _, ok = SelectorPair([]any{"a", 3.0})
	assert.False(t, ok)
	_, _, ok = SelectorPair("literal")
	assert.False(t, ok)
}

func TestDecodeToleratesScriptSelectors(t *testing.T) {
	t.Parallel()

	doc := []byte(`{
	  "removals": {"tracker": "javascript:void(0)"},
	  "extract": {"isProduct": "h1", "product": {"title": ["javascript:document.title", "innerText"]}}
	}`)

	_, err := Parse(doc)
	require.ErrorIs(t, err, ErrScriptSelector)

	sch, err := Decode(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"extract.product.title", "removals.tracker"}, sch.ScriptSelectors())
	assert.JSONEq(t, string(doc), string(sch.Raw()))

	_, err = Decode([]byte(`{"extract":{"isProduct":"div[[["}}`))
	require.ErrorIs(t, err, ErrInvalidSchema)
}
