package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var envFile string
	rootCmd := &cobra.Command{
		Use:           "directpay",
		Short:         "directpay - direct payment orchestration service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file seeding the environment (ignored when missing)")

	rootCmd.AddCommand(serveCmd(&envFile))
	rootCmd.AddCommand(reconcileCmd(&envFile))
	rootCmd.AddCommand(migrateCmd(&envFile))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
