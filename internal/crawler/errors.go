package crawler

import "errors"

var (
	// ErrNotFound is returned when a link or content record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNavigationInterrupted marks a page whose document was replaced mid-read.
	ErrNavigationInterrupted = errors.New("navigation interrupted")
	// ErrInvalidLink is returned when a URL fails validation.
	ErrInvalidLink = errors.New("invalid link")
)
