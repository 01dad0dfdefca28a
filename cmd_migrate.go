package main

import (
	"context"
	"fmt"

	"github.com/Zhima-Mochi/directpay/internal/config"
	"github.com/Zhima-Mochi/directpay/internal/infrastructure/postgres"
	"github.com/spf13/cobra"
)

func migrateCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema to DATABASE_URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			if cfg.LedgerDriver != config.DriverPostgres {
				return fmt.Errorf("migrate applies to the postgres ledger, LEDGER_DRIVER is %q", cfg.LedgerDriver)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			db, err := postgres.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := postgres.Migrate(ctx, db)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		},
	}
}
