package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/schema"
)

func newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect domain schemas",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <host>",
		Short: "Print the schema stored for host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSchemaStore(cmd.Context())
			if err != nil {
				return err
			}
			raw, err := store.Raw(args[0])
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, raw, "", "  "); err != nil {
				return fmt.Errorf("format schema: %w", err)
			}
			out.WriteByte('\n')
			_, err = cmd.OutOrStdout().Write(out.Bytes())
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List hosts with a stored schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openSchemaStore(cmd.Context())
			if err != nil {
				return err
			}
			hosts, err := store.Hosts()
			if err != nil {
				return err
			}
			for _, host := range hosts {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), host); err != nil {
					return err
				}
			}
			return nil
		},
	})
	return cmd
}

func openSchemaStore(ctx context.Context) (*schema.Store, error) {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return nil, err
	}
	store, err := schema.NewStore(cfg.Schemas.Dir, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("open schema store: %w", err)
	}
	return store, nil
}
