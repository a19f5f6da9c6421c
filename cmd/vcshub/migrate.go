package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type migrateCommand struct{}

func (c *migrateCommand) Register(parent *cobra.Command, root *rootOptions) {
	parent.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), root)
		},
	})
}

func (c *migrateCommand) Run(ctx context.Context, root *rootOptions) error {
	db, err := openDB(root.cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	root.logger.Info("migrations complete", "driver", root.cfg.Database.Driver)
	return nil
}
