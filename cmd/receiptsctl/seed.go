package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"receipts/api/internal/config"
	"receipts/api/internal/store"
	"receipts/api/internal/util"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load a demo dataset, refusing when receipts already exist",
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

		dataStore := store.NewPostgresStore(db)
		receipts, _, _, _, err := dataStore.SummaryCounts(ctx)
		if err != nil {
			return fmt.Errorf("count existing data: %w", err)
		}
		if receipts > 0 {
			return fmt.Errorf("database already holds %d receipts, refusing to seed", receipts)
		}

		if err := seedDemoData(ctx, dataStore); err != nil {
			return err
		}

		// The writes above maintain the counters the same way the API does,
		// so a clean seed reconciles to zero fixes.
		stats, err := dataStore.ReconcileCounts(ctx)
		if err != nil {
			return fmt.Errorf("reconcile after seed: %w", err)
		}
		fmt.Printf("seeded demo data (reconcile fixed %d reaction counters, %d fork counters)\n", stats.ReactionRows, stats.ForkRows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func seedDemoData(ctx context.Context, dataStore *store.PostgresStore) error {
	const (
		avery = "usr_demo_avery"
		kai   = "usr_demo_kai"
		rowan = "usr_demo_rowan"
	)

	root, err := dataStore.CreateReceipt(ctx, store.Receipt{
		ID:              util.NewID("rcpt"),
		AuthorID:        avery,
		ClaimText:       "The new downtown bike lanes cut weekday car traffic by 30 percent.",
		ClaimType:       "text",
		ImplicationText: "The city should extend the lane network to the riverfront district.",
		Visibility:      "public",
	})
	if err != nil {
		return fmt.Errorf("seed root receipt: %w", err)
	}

	forks := []store.Receipt{
		{
			ID:              util.NewID("rcpt"),
			AuthorID:        kai,
			ClaimText:       "That 30 percent figure includes two months of construction closures on Main Street.",
			ClaimType:       "text",
			ImplicationText: "Traffic counts from the closure window cannot be credited to the lanes.",
			ParentID:        &root.ID,
			Visibility:      "public",
		},
		{
			ID:         util.NewID("rcpt"),
			AuthorID:   rowan,
			ClaimText:  "Transit ridership on the same corridor rose 12 percent over the same period.",
			ClaimType:  "text",
			ParentID:   &root.ID,
			Visibility: "public",
		},
	}
	for _, fork := range forks {
		if _, err := dataStore.CreateReceipt(ctx, fork); err != nil {
			return fmt.Errorf("seed fork receipt: %w", err)
		}
		if err := dataStore.IncrementForkCount(ctx, root.ID); err != nil {
			return fmt.Errorf("seed fork counter: %w", err)
		}
	}

	reactions := []store.Reaction{
		{ID: util.NewID("reac"), ReceiptID: root.ID, UserID: kai, Kind: "dispute"},
		{ID: util.NewID("reac"), ReceiptID: root.ID, UserID: rowan, Kind: "support"},
		{ID: util.NewID("reac"), ReceiptID: forks[0].ID, UserID: rowan, Kind: "support"},
		{ID: util.NewID("reac"), ReceiptID: forks[0].ID, UserID: avery, Kind: "bookmark"},
	}
	for _, reaction := range reactions {
		_, created, err := dataStore.AddReaction(ctx, reaction)
		if err != nil {
			return fmt.Errorf("seed reaction: %w", err)
		}
		if created {
			if err := dataStore.IncrementReactionCount(ctx, reaction.ReceiptID); err != nil {
				return fmt.Errorf("seed reaction counter: %w", err)
			}
		}
	}

	if _, err := dataStore.InsertBlock(ctx, rowan, kai); err != nil {
		return fmt.Errorf("seed block: %w", err)
	}

	return nil
}
