package main

import (
	"context"
	"fmt"

	apppay "github.com/Zhima-Mochi/directpay/internal/application/payment"
	"github.com/Zhima-Mochi/directpay/internal/config"
	"github.com/spf13/cobra"
)

func reconcileCmd(envFile *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass over unresolved transactions and exit",
		Long: `Run one reconciliation pass against the configured ledger.

Transactions whose outcome is still UNKNOWN after the grace period are looked up
at their processor. Confirmed outcomes are recorded as verdict transactions; the
rest stay UNKNOWN and are reported.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			if cfg.LedgerDriver == config.DriverMemory {
				return fmt.Errorf("reconcile needs a persistent ledger, LEDGER_DRIVER is %q", cfg.LedgerDriver)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.close(context.WithoutCancel(ctx)) }()

			if _, err := a.orch.RecoverInFlight(ctx, cfg.ReconcileGrace); err != nil {
				return err
			}
			report, err := a.reconciler.Execute(ctx, apppay.ReconcileCommand{Limit: limit})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "examined=%d resolved=%d unresolved=%d skipped=%d\n",
				report.Examined, report.Resolved, report.Unresolved, report.Skipped)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum payments to examine (0 uses RECONCILE_BATCH)")
	return cmd
}
