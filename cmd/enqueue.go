package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/server"
)

func newEnqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <url>...",
		Short: "Add links to the crawl queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			// The in-memory store would vanish with this process.
			if cfg.Database.DSN == "" {
				return server.ErrNoDatabase
			}
			valid, invalid := crawler.ParseLinkList(strings.Join(args, "\n"))
			if len(valid) == 0 {
				return fmt.Errorf("no valid links in %q", args)
			}
			logger, err := commandLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			for _, bad := range invalid {
				logger.Warn("skipping invalid link", zap.String("link", bad))
			}

			stores, err := server.OpenStores(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer stores.Close()
			for _, link := range valid {
				if _, err := stores.Queue.EnqueueLink(cmd.Context(), link); err != nil {
					return fmt.Errorf("enqueue %s: %w", link, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d link(s)\n", len(valid))
			return nil
		},
	}
}
