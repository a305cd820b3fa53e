package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nickmisasi/orchestrator-core/internal/config"
	"github.com/nickmisasi/orchestrator-core/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}
