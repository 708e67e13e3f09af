package crawler

import (
	"encoding/json"
	"fmt"
	"time"
)

// LinkStatus represents the lifecycle state of a queued link.
type LinkStatus string

// Link status values persisted in the queue store.
const (
	LinkPending   LinkStatus = "pending"
	LinkCompleted LinkStatus = "completed"
	LinkFailed    LinkStatus = "failed"
	LinkBanned    LinkStatus = "banned"
)

// ContentStatus represents the lifecycle state of an extraction record.
type ContentStatus string

// Content status values persisted in the queue store.
const (
	ContentPending   ContentStatus = "pending"
	ContentCompleted ContentStatus = "completed"
	ContentFailed    ContentStatus = "failed"
	ContentTrashed   ContentStatus = "trashed"
)

// Valid reports whether s is a known content status.
func (s ContentStatus) Valid() bool {
	switch s {
	case ContentPending, ContentCompleted, ContentFailed, ContentTrashed:
		return true
	default:
		return false
	}
}

// Link is a URL awaiting (or done with) a crawl.
type Link struct {
	ID        int64      `json:"id"`
	SourceURL string     `json:"source_url"`
	Status    LinkStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	VisitedAt *time.Time `json:"visited_at,omitempty"`
}

// ContentRecord is the persisted extraction result for a link.
type ContentRecord struct {
	ID         int64           `json:"id"`
	SourceID   int64           `json:"source_id"`
	Content    json.RawMessage `json:"content"`
	ContentURL string          `json:"content_url"`
	Status     ContentStatus   `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Extract holds the schema-driven product and category payloads.
type Extract struct {
	IsProduct  bool `json:"isProduct,omitempty"`
	Product    any  `json:"product,omitempty"`
	IsCategory bool `json:"isCategory,omitempty"`
	Category   any  `json:"category,omitempty"`
}

// Meta is the page metadata collected by the general fallback.
type Meta struct {
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	OGTitle       string `json:"ogTitle,omitempty"`
	OGDescription string `json:"ogDescription,omitempty"`
	OGImage       string `json:"ogImage,omitempty"`
	OGURL         string `json:"ogUrl,omitempty"`
	Keywords      string `json:"keywords,omitempty"`
}

// GeneralContent is produced for pages without a domain schema.
type GeneralContent struct {
	Meta  Meta     `json:"meta"`
	Text  string   `json:"content"`
	Links []string `json:"links,omitempty"`
}

// ExtractionResult is the output of a single page extraction.
type ExtractionResult struct {
	URL       string          `json:"url,omitempty"`
	Domain    string          `json:"domain"`
	Type      string          `json:"type,omitempty"`
	Extract   *Extract        `json:"extract,omitempty"`
	Content   *GeneralContent `json:"content,omitempty"`
	Links     []string        `json:"links,omitempty"`
	Snapshot  string          `json:"snapshot,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ResultTypeGeneral marks results produced by the fallback extractor.
const ResultTypeGeneral = "general"

// Importable reports whether the result carries a product or category payload.
func (r ExtractionResult) Importable() bool {
	if r.Extract == nil {
		return false
	}
	return !isEmpty(r.Extract.Product) || !isEmpty(r.Extract.Category)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case string:
		return t == ""
	default:
		return false
	}
}

// EncodeContent serializes a result for persistence. The page URL is moved
// out of the document into its own column, and discovered links are dropped.
func EncodeContent(result ExtractionResult) (json.RawMessage, string, error) {
	contentURL := result.URL
	result.URL = ""
	result.Links = nil
	if result.Content != nil {
		general := *result.Content
		general.Links = nil
		result.Content = &general
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, "", fmt.Errorf("encode content: %w", err)
	}
	return data, contentURL, nil
}

// DecodeContent parses a persisted content document.
func DecodeContent(raw json.RawMessage) (ExtractionResult, error) {
	var result ExtractionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ExtractionResult{}, fmt.Errorf("decode content: %w", err)
	}
	return result, nil
}
