package crawler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeContentStripsURLAndLinks(t *testing.T) {
	t.Parallel()

	result := ExtractionResult{
		URL:    "https://shop.com/p/1",
		Domain: "shop.com",
		Extract: &Extract{
			IsProduct: true,
			Product:   map[string]any{"name": "Widget"},
		},
		Links:     []string{"https://shop.com/p/2"},
		Timestamp: 1700000000000,
	}

	data, contentURL, err := EncodeContent(result)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.com/p/1", contentURL)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.NotContains(t, doc, "url")
	assert.NotContains(t, doc, "links")
	assert.Equal(t, "shop.com", doc["domain"])

	// The caller's value is untouched.
	assert.Equal(t, "https://shop.com/p/1", result.URL)
	assert.Len(t, result.Links, 1)
}

func TestEncodeContentGeneralLinks(t *testing.T) {
	t.Parallel()

	result := ExtractionResult{
		URL:     "https://blog.com/post",
		Domain:  "blog.com",
		Type:    ResultTypeGeneral,
		Content: &GeneralContent{Text: "hello", Links: []string{"https://blog.com/a"}},
	}
	data, _, err := EncodeContent(result)
	require.NoError(t, err)

	decoded, err := DecodeContent(data)
	require.NoError(t, err)
	require.NotNil(t, decoded.Content)
	assert.Empty(t, decoded.Content.Links)
	assert.Len(t, result.Content.Links, 1)
}

func TestImportable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		result ExtractionResult
		want   bool
	}{
		{"no extract", ExtractionResult{}, false},
		{"empty product", ExtractionResult{Extract: &Extract{Product: map[string]any{}}}, false},
		{"product", ExtractionResult{Extract: &Extract{Product: map[string]any{"name": "x"}}}, true},
		{"category only", ExtractionResult{Extract: &Extract{Category: []any{"a"}}}, true},
		{"general", ExtractionResult{Type: ResultTypeGeneral, Content: &GeneralContent{Text: "x"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.result.Importable())
		})
	}
}

func TestContentStatusValid(t *testing.T) {
	t.Parallel()
	assert.True(t, ContentTrashed.Valid())
	assert.False(t, ContentStatus("archived").Valid())
}
