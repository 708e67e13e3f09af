// Package crawler defines the core types shared across the catalog crawler:
// queued links, persisted extraction records, and the store contracts the
// orchestrator and import pipeline depend on.
package crawler
