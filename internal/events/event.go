package events

import (
	"errors"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Name identifies an event on the realtime channel.
type Name string

// Event names emitted by the crawler and import pipeline.
const (
	CrawlStatus  Name = "crawl-status"
	Crawling     Name = "crawling"
	Crawled      Name = "crawled"
	ImportStatus Name = "import-status"
	Imported     Name = "imported"
	LinksUpdated Name = "links-updated"
	SiteSchema   Name = "extension_site_schema"
)

// Event is one broadcast message.
type Event struct {
	Name Name      `json:"event"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"-"`
}

// Validate ensures the event carries a name.
func (e Event) Validate() error {
	if e.Name == "" {
		return errors.New("event name is required")
	}
	return nil
}

// Status reports whether a loop is running.
type Status struct {
	IsRunning bool `json:"isRunning"`
}

// Page is sent when navigation to a link starts.
type Page struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// PageResult is sent when a link has been processed.
type PageResult struct {
	URL     string                    `json:"url"`
	Success bool                      `json:"success"`
	Content *crawler.ExtractionResult `json:"content,omitempty"`
}

// ImportResult is sent when a content record was published.
type ImportResult struct {
	ContentID int64  `json:"id"`
	ProductID int64  `json:"productId"`
	URL       string `json:"url"`
}

// LinksResult acknowledges an update-links command.
type LinksResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
