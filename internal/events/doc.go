// Package events fans crawl and import lifecycle events out to listeners
// without ever blocking the producer. Listeners that report ErrListenerClosed
// are pruned on the next flush.
package events
