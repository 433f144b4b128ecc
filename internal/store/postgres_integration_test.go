package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// newIntegrationStore opens the test database, applies migrations and wipes
// the tables so every test starts from an empty schema.
func newIntegrationStore(t *testing.T) *PostgresStore {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	t.Helper()

	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE user_blocks, reactions, receipts CASCADE`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	return NewPostgresStore(db)
}

func mustCreateReceipt(t *testing.T, s *PostgresStore, item Receipt) Receipt {
	t.Helper()
	if item.ClaimType == "" {
		item.ClaimType = "text"
	}
	if item.Visibility == "" {
		item.Visibility = "public"
	}
	created, err := s.CreateReceipt(context.Background(), item)
	if err != nil {
		t.Fatalf("create receipt %s: %v", item.ID, err)
	}
	return created
}

func TestReceiptRoundTripIntegration(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	mustCreateReceipt(t, s, Receipt{ID: "rcpt_root", AuthorID: "usr_1", ClaimText: "The new bus lanes cut travel times."})

	got, err := s.GetReceipt(ctx, "rcpt_root")
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if got.ClaimText != "The new bus lanes cut travel times." {
		t.Fatalf("unexpected claim text: %q", got.ClaimText)
	}
	// NULL implication_text reads back as the empty string.
	if got.ImplicationText != "" {
		t.Fatalf("expected empty implication text, got %q", got.ImplicationText)
	}
	if got.ParentID != nil {
		t.Fatalf("expected root receipt, got parent %v", *got.ParentID)
	}
	if got.ForkCount != 0 || got.ReactionCount != 0 {
		t.Fatalf("expected zero counters, got %d/%d", got.ForkCount, got.ReactionCount)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("expected database timestamps")
	}

	parentID := "rcpt_root"
	mustCreateReceipt(t, s, Receipt{
		ID:              "rcpt_fork",
		AuthorID:        "usr_2",
		ClaimText:       "The measurement predates the lanes.",
		ImplicationText: "The claimed improvement has another cause.",
		ParentID:        &parentID,
	})

	fork, err := s.GetReceipt(ctx, "rcpt_fork")
	if err != nil {
		t.Fatalf("get fork: %v", err)
	}
	if fork.ParentID == nil || *fork.ParentID != "rcpt_root" {
		t.Fatalf("expected fork of rcpt_root, got %v", fork.ParentID)
	}
	if fork.ImplicationText != "The claimed improvement has another cause." {
		t.Fatalf("unexpected implication text: %q", fork.ImplicationText)
	}

	exists, err := s.ReceiptExists(ctx, "rcpt_root")
	if err != nil || !exists {
		t.Fatalf("expected rcpt_root to exist, got %v %v", exists, err)
	}
	exists, err = s.ReceiptExists(ctx, "rcpt_nope")
	if err != nil || exists {
		t.Fatalf("expected rcpt_nope to be absent, got %v %v", exists, err)
	}
}

func TestReactionIdempotenceIntegration(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	mustCreateReceipt(t, s, Receipt{ID: "rcpt_1", AuthorID: "usr_1", ClaimText: "claim"})

	first, created, err := s.AddReaction(ctx, Reaction{ID: "reac_1", ReceiptID: "rcpt_1", UserID: "usr_2", Kind: "support"})
	if err != nil {
		t.Fatalf("add reaction: %v", err)
	}
	if !created {
		t.Fatal("expected first add to create a row")
	}

	// The same (receipt, user, kind) lands on the unique constraint and the
	// original row comes back.
	second, created, err := s.AddReaction(ctx, Reaction{ID: "reac_2", ReceiptID: "rcpt_1", UserID: "usr_2", Kind: "support"})
	if err != nil {
		t.Fatalf("repeat add reaction: %v", err)
	}
	if created {
		t.Fatal("expected repeat add to be a no-op")
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing row %s back, got %s", first.ID, second.ID)
	}

	// A different kind from the same user is a separate row.
	_, created, err = s.AddReaction(ctx, Reaction{ID: "reac_3", ReceiptID: "rcpt_1", UserID: "usr_2", Kind: "bookmark"})
	if err != nil || !created {
		t.Fatalf("expected distinct kind to insert, got created=%v err=%v", created, err)
	}

	counts, err := s.ListReactionCounts(ctx, "rcpt_1")
	if err != nil {
		t.Fatalf("list reaction counts: %v", err)
	}
	if counts.Support != 1 || counts.Bookmark != 1 || counts.Dispute != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	removed, err := s.RemoveReaction(ctx, "rcpt_1", "usr_2", "support")
	if err != nil || !removed {
		t.Fatalf("expected removal, got %v %v", removed, err)
	}
	removed, err = s.RemoveReaction(ctx, "rcpt_1", "usr_2", "support")
	if err != nil || removed {
		t.Fatalf("expected second removal to be a no-op, got %v %v", removed, err)
	}
}

func TestReactionKindConstraintIntegration(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	mustCreateReceipt(t, s, Receipt{ID: "rcpt_1", AuthorID: "usr_1", ClaimText: "claim"})

	_, err := s.DB().ExecContext(ctx, `
		INSERT INTO reactions (id, receipt_id, user_id, kind)
		VALUES ('reac_bad', 'rcpt_1', 'usr_2', 'applaud')
	`)
	if err == nil {
		t.Fatal("expected unknown kind to be rejected")
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "23514" {
		t.Fatalf("expected SQLSTATE 23514 (check_violation), got: %s", pgErr.SQLState())
	}
}

func TestDeleteReceiptContractIntegration(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	mustCreateReceipt(t, s, Receipt{ID: "rcpt_root", AuthorID: "usr_1", ClaimText: "root claim"})
	parentID := "rcpt_root"
	mustCreateReceipt(t, s, Receipt{ID: "rcpt_fork", AuthorID: "usr_2", ClaimText: "counter claim", ParentID: &parentID})

	if _, _, err := s.AddReaction(ctx, Reaction{ID: "reac_1", ReceiptID: "rcpt_root", UserID: "usr_2", Kind: "support"}); err != nil {
		t.Fatalf("add reaction: %v", err)
	}
	if _, _, err := s.AddReaction(ctx, Reaction{ID: "reac_2", ReceiptID: "rcpt_root", UserID: "usr_3", Kind: "dispute"}); err != nil {
		t.Fatalf("add reaction: %v", err)
	}

	deleted, err := s.DeleteReceipt(ctx, "rcpt_root")
	if err != nil || !deleted {
		t.Fatalf("expected delete, got %v %v", deleted, err)
	}
	deleted, err = s.DeleteReceipt(ctx, "rcpt_root")
	if err != nil || deleted {
		t.Fatalf("expected repeat delete to be a no-op, got %v %v", deleted, err)
	}

	// Reactions cascade with the receipt.
	var reactionRows int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM reactions WHERE receipt_id='rcpt_root'`).Scan(&reactionRows); err != nil {
		t.Fatalf("count reactions: %v", err)
	}
	if reactionRows != 0 {
		t.Fatalf("expected cascaded reactions, found %d rows", reactionRows)
	}

	// The fork survives, promoted to a root.
	fork, err := s.GetReceipt(ctx, "rcpt_fork")
	if err != nil {
		t.Fatalf("get fork after delete: %v", err)
	}
	if fork.ParentID != nil {
		t.Fatalf("expected promoted fork, got parent %v", *fork.ParentID)
	}
}

func TestReconcileCountsIntegration(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	mustCreateReceipt(t, s, Receipt{ID: "rcpt_root", AuthorID: "usr_1", ClaimText: "root claim"})
	parentID := "rcpt_root"
	mustCreateReceipt(t, s, Receipt{ID: "rcpt_fork", AuthorID: "usr_2", ClaimText: "counter claim", ParentID: &parentID})
	if err := s.IncrementForkCount(ctx, "rcpt_root"); err != nil {
		t.Fatalf("increment fork count: %v", err)
	}

	for i, userID := range []string{"usr_2", "usr_3"} {
		if _, _, err := s.AddReaction(ctx, Reaction{ID: "reac_" + userID, ReceiptID: "rcpt_root", UserID: userID, Kind: "support"}); err != nil {
			t.Fatalf("add reaction %d: %v", i, err)
		}
		if err := s.IncrementReactionCount(ctx, "rcpt_root"); err != nil {
			t.Fatalf("increment reaction count %d: %v", i, err)
		}
	}

	// Counters were maintained alongside the writes, so the first pass has
	// nothing to fix.
	stats, err := s.ReconcileCounts(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if stats.ReactionRows != 0 || stats.ForkRows != 0 {
		t.Fatalf("expected clean reconcile, fixed %d/%d rows", stats.ReactionRows, stats.ForkRows)
	}

	// Manufacture drift the way a crashed writer would leave it.
	if _, err := s.DB().ExecContext(ctx, `UPDATE receipts SET reaction_count=99, fork_count=5 WHERE id='rcpt_root'`); err != nil {
		t.Fatalf("inject drift: %v", err)
	}

	stats, err = s.ReconcileCounts(ctx)
	if err != nil {
		t.Fatalf("reconcile after drift: %v", err)
	}
	if stats.ReactionRows != 1 || stats.ForkRows != 1 {
		t.Fatalf("expected one fixed row per counter, got %d/%d", stats.ReactionRows, stats.ForkRows)
	}

	got, err := s.GetReceipt(ctx, "rcpt_root")
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if got.ReactionCount != 2 || got.ForkCount != 1 {
		t.Fatalf("expected counters 2/1 after reconcile, got %d/%d", got.ReactionCount, got.ForkCount)
	}
}

func TestListPublicReceiptsIntegration(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	// IDs sort the same way as insertion order so the id tiebreak cannot
	// reshuffle rows created in the same statement timestamp.
	for _, id := range []string{"rcpt_p1", "rcpt_p2", "rcpt_p3"} {
		mustCreateReceipt(t, s, Receipt{ID: id, AuthorID: "usr_a", ClaimText: "claim", Visibility: "public"})
	}
	mustCreateReceipt(t, s, Receipt{ID: "rcpt_p4", AuthorID: "usr_b", ClaimText: "claim", Visibility: "public"})
	mustCreateReceipt(t, s, Receipt{ID: "rcpt_hidden", AuthorID: "usr_a", ClaimText: "claim", Visibility: "unlisted"})

	page1, err := s.ListPublicReceipts(ctx, 0, 2, nil)
	if err != nil {
		t.Fatalf("list page 1: %v", err)
	}
	page2, err := s.ListPublicReceipts(ctx, 2, 2, nil)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("expected 2+2 rows, got %d+%d", len(page1), len(page2))
	}

	seen := map[string]bool{}
	for _, item := range append(append([]Receipt{}, page1...), page2...) {
		if item.Visibility != "public" {
			t.Fatalf("unlisted receipt %s leaked into the public feed", item.ID)
		}
		if seen[item.ID] {
			t.Fatalf("receipt %s appeared on both pages", item.ID)
		}
		seen[item.ID] = true
	}
	if page1[0].ID != "rcpt_p4" {
		t.Fatalf("expected newest receipt first, got %s", page1[0].ID)
	}

	filtered, err := s.ListPublicReceipts(ctx, 0, 10, []string{"usr_a"})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "rcpt_p4" {
		t.Fatalf("expected only usr_b's receipt, got %v", filtered)
	}
}

func TestListReceiptsByAuthorVisibilityIntegration(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	mustCreateReceipt(t, s, Receipt{ID: "rcpt_pub", AuthorID: "usr_a", ClaimText: "claim", Visibility: "public"})
	mustCreateReceipt(t, s, Receipt{ID: "rcpt_unl", AuthorID: "usr_a", ClaimText: "claim", Visibility: "unlisted"})

	all, err := s.ListReceiptsByAuthor(ctx, "usr_a", false, 0, 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows for the author's own view, got %d", len(all))
	}

	publicOnly, err := s.ListReceiptsByAuthor(ctx, "usr_a", true, 0, 10)
	if err != nil {
		t.Fatalf("list public only: %v", err)
	}
	if len(publicOnly) != 1 || publicOnly[0].ID != "rcpt_pub" {
		t.Fatalf("expected only the public row, got %v", publicOnly)
	}
}

func TestTrendingWindowAndOrderIntegration(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	for _, id := range []string{"rcpt_a", "rcpt_b", "rcpt_c", "rcpt_old"} {
		mustCreateReceipt(t, s, Receipt{ID: id, AuthorID: "usr_1", ClaimText: "claim"})
	}

	// Scores: a=1+3*2=7, b=10, c=2+1*2=4, old=50 but outside the window.
	fixtures := []struct {
		id        string
		reactions int
		forks     int
	}{
		{id: "rcpt_a", reactions: 1, forks: 3},
		{id: "rcpt_b", reactions: 10, forks: 0},
		{id: "rcpt_c", reactions: 2, forks: 1},
		{id: "rcpt_old", reactions: 50, forks: 0},
	}
	for _, fx := range fixtures {
		if _, err := s.DB().ExecContext(ctx, `UPDATE receipts SET reaction_count=$1, fork_count=$2 WHERE id=$3`, fx.reactions, fx.forks, fx.id); err != nil {
			t.Fatalf("set counters for %s: %v", fx.id, err)
		}
	}
	if _, err := s.DB().ExecContext(ctx, `UPDATE receipts SET created_at = NOW() - INTERVAL '3 hours' WHERE id='rcpt_old'`); err != nil {
		t.Fatalf("age rcpt_old: %v", err)
	}

	trending, err := s.ListTrendingReceipts(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list trending: %v", err)
	}
	if len(trending) != 3 {
		t.Fatalf("expected 3 receipts inside the window, got %d", len(trending))
	}
	if trending[0].ID != "rcpt_b" || trending[1].ID != "rcpt_a" || trending[2].ID != "rcpt_c" {
		t.Fatalf("unexpected trending order: %s, %s, %s", trending[0].ID, trending[1].ID, trending[2].ID)
	}
}

func TestBlocksAndSummaryIntegration(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	mustCreateReceipt(t, s, Receipt{ID: "rcpt_root", AuthorID: "usr_1", ClaimText: "root claim"})
	parentID := "rcpt_root"
	mustCreateReceipt(t, s, Receipt{ID: "rcpt_fork", AuthorID: "usr_2", ClaimText: "counter claim", ParentID: &parentID})
	if _, _, err := s.AddReaction(ctx, Reaction{ID: "reac_1", ReceiptID: "rcpt_root", UserID: "usr_2", Kind: "support"}); err != nil {
		t.Fatalf("add reaction: %v", err)
	}

	inserted, err := s.InsertBlock(ctx, "usr_1", "usr_2")
	if err != nil || !inserted {
		t.Fatalf("expected block insert, got %v %v", inserted, err)
	}
	inserted, err = s.InsertBlock(ctx, "usr_1", "usr_2")
	if err != nil || inserted {
		t.Fatalf("expected duplicate block to be a no-op, got %v %v", inserted, err)
	}

	ids, err := s.ListBlockedIDs(ctx, "usr_1")
	if err != nil {
		t.Fatalf("list blocked ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "usr_2" {
		t.Fatalf("unexpected blocked ids: %v", ids)
	}

	receipts, forks, reactions, blocks, err := s.SummaryCounts(ctx)
	if err != nil {
		t.Fatalf("summary counts: %v", err)
	}
	if receipts != 2 || forks != 1 || reactions != 1 || blocks != 1 {
		t.Fatalf("unexpected summary: %d receipts, %d forks, %d reactions, %d blocks", receipts, forks, reactions, blocks)
	}

	removed, err := s.DeleteBlock(ctx, "usr_1", "usr_2")
	if err != nil || !removed {
		t.Fatalf("expected block delete, got %v %v", removed, err)
	}
	removed, err = s.DeleteBlock(ctx, "usr_1", "usr_2")
	if err != nil || removed {
		t.Fatalf("expected repeat delete to be a no-op, got %v %v", removed, err)
	}
}

func TestGetReceiptMissingIntegration(t *testing.T) {
	s := newIntegrationStore(t)

	_, err := s.GetReceipt(context.Background(), "rcpt_missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

// getTestDatabaseURL returns the database URL for testing.
// It checks the TEST_DATABASE_URL environment variable first,
// then falls back to a default local development URL.
func getTestDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := getenv("TEST_DATABASE_URL", ""); url != "" {
		return url
	}

	// For CI environments, try the standard Postgres environment variables
	host := getenv("POSTGRES_HOST", "localhost")
	port := getenv("POSTGRES_PORT", "5432")
	user := getenv("POSTGRES_USER", "receipts")
	pass := getenv("POSTGRES_PASSWORD", "receipts")
	dbname := getenv("POSTGRES_DB", "receipts_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
