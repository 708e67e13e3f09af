package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/importer"
	"github.com/JakeFAU/catalog-crawler/internal/orchestrator"
)

// ErrNoValidLinks is returned when an update-links payload holds no usable URL.
var ErrNoValidLinks = errors.New("invalid links provided")

// Loop is a start/stop background task such as the crawl or import loop.
type Loop interface {
	Start(ctx context.Context) error
	Stop() bool
	Running() bool
}

// LinkQueue is the part of the link store the API writes to.
type LinkQueue interface {
	EnqueueLink(ctx context.Context, url string) (crawler.Link, error)
	CountPendingLinks(ctx context.Context) (int, error)
}

// SchemaRegistry reads and writes domain schemas.
type SchemaRegistry interface {
	Raw(host string) (json.RawMessage, error)
	Save(host string, raw json.RawMessage) error
}

// Status is the combined loop state.
type Status struct {
	IsRunning bool `json:"isRunning"`
	Importing bool `json:"importing"`
	Pending   int  `json:"pending"`
}

// Commands implements the operations shared by the HTTP routes and the
// websocket channel.
type Commands struct {
	crawl   Loop
	imports Loop
	links   LinkQueue
	schemas SchemaRegistry
	logger  *zap.Logger
}

// NewCommands wires the command set.
func NewCommands(crawl, imports Loop, links LinkQueue, schemas SchemaRegistry, logger *zap.Logger) *Commands {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Commands{
		crawl:   crawl,
		imports: imports,
		links:   links,
		schemas: schemas,
		logger:  logger.Named("commands"),
	}
}

// Status reports loop state and the pending link count.
func (c *Commands) Status(ctx context.Context) (Status, error) {
	pending, err := c.links.CountPendingLinks(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("count pending links: %w", err)
	}
	return Status{
		IsRunning: c.crawl.Running(),
		Importing: c.imports.Running(),
		Pending:   pending,
	}, nil
}

// StartCrawl starts a crawl run. It reports false when one was already running.
func (c *Commands) StartCrawl(ctx context.Context) (bool, error) {
	return startLoop(ctx, c.crawl)
}

// StopCrawl stops the crawl run.
func (c *Commands) StopCrawl() bool {
	return c.crawl.Stop()
}

// StartImports starts the import loop. It reports false when it was already running.
func (c *Commands) StartImports(ctx context.Context) (bool, error) {
	return startLoop(ctx, c.imports)
}

// StopImports stops the import loop.
func (c *Commands) StopImports() bool {
	return c.imports.Stop()
}

// UpdateLinks enqueues every valid URL in raw (comma or newline separated),
// normalized, and starts a crawl if none is running. It returns the number of
// links enqueued.
func (c *Commands) UpdateLinks(ctx context.Context, raw string) (int, error) {
	valid, invalid := crawler.ParseLinkList(raw)
	for _, bad := range invalid {
		c.logger.Warn("skipping invalid link", zap.String("link", bad))
	}
	if len(valid) == 0 {
		return 0, ErrNoValidLinks
	}
	enqueued := 0
	for _, link := range valid {
		if _, err := c.links.EnqueueLink(ctx, link); err != nil {
			return enqueued, fmt.Errorf("enqueue link: %w", err)
		}
		enqueued++
	}
	c.logger.Info("links updated", zap.Int("enqueued", enqueued), zap.Int("invalid", len(invalid)))
	if _, err := c.StartCrawl(ctx); err != nil {
		return enqueued, err
	}
	return enqueued, nil
}

// Schema returns the stored schema for host.
func (c *Commands) Schema(host string) (json.RawMessage, error) {
	raw, err := c.schemas.Raw(host)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	return raw, nil
}

// SaveSchema validates and stores raw as host's schema.
func (c *Commands) SaveSchema(host string, raw json.RawMessage) error {
	if err := c.schemas.Save(host, raw); err != nil {
		return fmt.Errorf("save schema: %w", err)
	}
	c.logger.Info("schema updated", zap.String("host", host))
	return nil
}

func startLoop(ctx context.Context, l Loop) (bool, error) {
	if err := l.Start(ctx); err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyRunning) || errors.Is(err, importer.ErrAlreadyRunning) {
			return false, nil
		}
		return false, fmt.Errorf("start loop: %w", err)
	}
	return true, nil
}
