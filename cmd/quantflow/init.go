package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantflow/quantflow/internal/config"
	"github.com/quantflow/quantflow/internal/database"
	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugins/adjfactor"
	"github.com/quantflow/quantflow/internal/plugins/dailybars"
	"github.com/quantflow/quantflow/internal/plugins/dailybasic"
	"github.com/quantflow/quantflow/internal/plugins/limitlist"
	"github.com/quantflow/quantflow/internal/plugins/moneyflow"
	"github.com/quantflow/quantflow/internal/plugins/stkfactor"
	"github.com/quantflow/quantflow/internal/plugins/stockbasic"
	"github.com/quantflow/quantflow/internal/plugins/tradecal"
	"github.com/quantflow/quantflow/pkg/logger"
)

// newInitCmd creates databases and tables directly, without a running
// server. The only command that touches the data directory itself; the
// rest of the CLI goes through the HTTP API.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the databases and all plugin tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			log := logger.New(logger.Config{Level: "warn", Pretty: true})

			metaDB, err := database.New(database.Config{Path: cfg.MetaDBPath(), Name: "meta"})
			if err != nil {
				return fmt.Errorf("failed to open metadata database: %w", err)
			}
			defer metaDB.Close()
			if err := metaDB.Migrate(); err != nil {
				return fmt.Errorf("failed to migrate metadata database: %w", err)
			}

			store, err := marketstore.Open(cfg.MarketDBPath(), log)
			if err != nil {
				return fmt.Errorf("failed to open market store: %w", err)
			}
			defer store.Close()

			schemas := []marketstore.TableSchema{
				tradecal.Schema(),
				stockbasic.Schema(),
				dailybars.Schema(),
				adjfactor.Schema(),
				dailybasic.Schema(),
				moneyflow.Schema(),
				limitlist.Schema(),
				stkfactor.Schema(),
			}
			ctx := context.Background()
			for _, schema := range schemas {
				if _, err := store.EnsureTable(ctx, schema); err != nil {
					return fmt.Errorf("failed to create table %s: %w", schema.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", schema.Name)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", cfg.DataDir)
			return nil
		},
	}
}
