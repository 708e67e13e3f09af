// Package browser opens pages for extraction, either in headless Chrome via
// chromedp or as static HTML fetched with colly.
package browser

import (
	"strings"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/extract"
)

// Tab is an open page. Close must be called once the caller is done with it.
type Tab interface {
	extract.Page
	Title() string
	Status() int
	Close()
}

var interruptedMarkers = []string{
	"Execution context was destroyed",
	"Cannot find context with specified id",
	"Inspected target navigated or closed",
}

// classify maps errors caused by a document replaced mid-read to
// crawler.ErrNavigationInterrupted.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, marker := range interruptedMarkers {
		if strings.Contains(msg, marker) {
			return &interruptedError{cause: err}
		}
	}
	return err
}

type interruptedError struct {
	cause error
}

func (e *interruptedError) Error() string {
	return crawler.ErrNavigationInterrupted.Error() + ": " + e.cause.Error()
}

func (e *interruptedError) Unwrap() []error {
	return []error{crawler.ErrNavigationInterrupted, e.cause}
}
