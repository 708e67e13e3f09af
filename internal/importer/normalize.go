package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/llm"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// ErrUnparseable is returned when the model's answer holds no JSON object.
var ErrUnparseable = errors.New("llm answer is not a json object")

// ChatClient is the subset of the LLM client the normalizer needs.
type ChatClient interface {
	ChatJSON(ctx context.Context, messages []llm.Message) (string, error)
}

// LLMNormalizer asks a language model to map raw extractions onto the
// product schema. Every call is single-shot.
type LLMNormalizer struct {
	client ChatClient
}

// NewLLMNormalizer wraps client.
func NewLLMNormalizer(client ChatClient) *LLMNormalizer {
	return &LLMNormalizer{client: client}
}

const systemPrompt = `You convert scraped e-commerce data into a product record.
Answer with a single JSON object and nothing else. Use exactly the keys of the
target schema. Omit keys you cannot fill; never invent prices, SKUs or images.
Prices are plain decimal strings without currency symbols. Descriptions are
HTML-free text. Image entries keep their absolute URLs.`

const productSchema = `{
  "name": "string",
  "sku": "string",
  "price": "string",
  "sale_price": "string",
  "currency": "ISO 4217 code",
  "stock_status": "instock | outofstock",
  "short_description": "string",
  "description": "string",
  "images": [{"src": "absolute url", "alt": "string"}],
  "categories": ["string"],
  "tags": ["string"],
  "attributes": [{"name": "string", "options": ["string"]}],
  "variations": [{"sku": "string", "price": "string", "attributes": {"attribute name": "option"}}]
}`

// BuildPrompt renders the chat messages for one extraction.
func BuildPrompt(result crawler.ExtractionResult) ([]llm.Message, error) {
	raw, err := json.MarshalIndent(result.Extract, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal extraction: %w", err)
	}
	var b strings.Builder
	b.WriteString("Target schema:\n")
	b.WriteString(productSchema)
	b.WriteString("\n\nSource page: ")
	b.WriteString(result.URL)
	b.WriteString("\nScraped data:\n")
	b.Write(raw)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: b.String()},
	}, nil
}

// Normalize implements Normalizer.
func (n *LLMNormalizer) Normalize(ctx context.Context, record crawler.ContentRecord, result crawler.ExtractionResult) (Product, error) {
	messages, err := BuildPrompt(result)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	answer, err := n.client.ChatJSON(ctx, messages)
	metrics.ObserveNormalize(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("normalize content %d: %w", record.ID, err)
	}
	product, err := ParseProduct(answer)
	if err != nil {
		return nil, fmt.Errorf("normalize content %d: %w", record.ID, err)
	}
	if _, ok := product["source_url"]; !ok {
		product["source_url"] = record.ContentURL
	}
	return product, nil
}

// ParseProduct extracts the JSON object from a model answer. Markdown code
// fences and surrounding prose are tolerated, and a lone "product" wrapper
// is unwrapped.
func ParseProduct(answer string) (Product, error) {
	answer = strings.TrimSpace(answer)
	start := strings.Index(answer, "{")
	end := strings.LastIndex(answer, "}")
	if start < 0 || end < start {
		return nil, ErrUnparseable
	}
	var product Product
	if err := json.Unmarshal([]byte(answer[start:end+1]), &product); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnparseable, err)
	}
	if inner, ok := product["product"].(map[string]any); ok && len(product) == 1 {
		product = inner
	}
	if len(product) == 0 {
		return nil, ErrUnparseable
	}
	return product, nil
}
