// Package extract evaluates per-domain schemas against loaded pages and
// falls back to a generic metadata and text extraction for unknown domains.
package extract
