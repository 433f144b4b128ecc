package main

import (
	"fmt"
	"os"
	"strings"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"receipts/api/internal/config"
	"receipts/api/internal/search"
	"receipts/api/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "receiptsctl",
	Short: "Operator tooling for the receipts API",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		ctx := cmd.Context()

		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recompute fork and reaction counters from the reaction and fork rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		ctx := cmd.Context()

		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		stats, err := store.NewPostgresStore(db).ReconcileCounts(ctx)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		fmt.Printf("reconciled: %d reaction counters fixed, %d fork counters fixed\n", stats.ReactionRows, stats.ForkRows)
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the Meilisearch claims index from Postgres",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		ctx := cmd.Context()

		if strings.TrimSpace(cfg.MeiliURL) == "" {
			return fmt.Errorf("MEILI_URL is not set")
		}

		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey)
		defer meiliClient.Close()
		if !meiliClient.Healthy() {
			return fmt.Errorf("meilisearch unavailable at %s", cfg.MeiliURL)
		}

		search.NewService(meiliClient, search.NewPgFTS(db)).ReindexAllFromPG(ctx)
		fmt.Println("reindex complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(reindexCmd)
}
