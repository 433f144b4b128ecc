package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateReceipt(ctx context.Context, item Receipt) (Receipt, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO receipts (id, author_id, claim_text, claim_type, implication_text, parent_id, visibility)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, item.ID, item.AuthorID, item.ClaimText, item.ClaimType, item.ImplicationText, item.ParentID, item.Visibility).
		Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Receipt{}, fmt.Errorf("insert receipt: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetReceipt(ctx context.Context, receiptID string) (Receipt, error) {
	var item Receipt
	err := s.db.QueryRowContext(ctx, `
		SELECT id, author_id, claim_text, claim_type, COALESCE(implication_text, ''), parent_id, visibility, fork_count, reaction_count, created_at, updated_at
		FROM receipts
		WHERE id=$1
	`, receiptID).Scan(
		&item.ID,
		&item.AuthorID,
		&item.ClaimText,
		&item.ClaimType,
		&item.ImplicationText,
		&item.ParentID,
		&item.Visibility,
		&item.ForkCount,
		&item.ReactionCount,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Receipt{}, err
	}
	return item, nil
}

func (s *PostgresStore) ReceiptExists(ctx context.Context, receiptID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM receipts WHERE id=$1)`, receiptID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check receipt exists: %w", err)
	}
	return exists, nil
}

// DeleteReceipt removes a receipt. Reactions go with it and direct forks are
// promoted to roots, both through the schema's FK actions.
func (s *PostgresStore) DeleteReceipt(ctx context.Context, receiptID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM receipts WHERE id=$1`, receiptID)
	if err != nil {
		return false, fmt.Errorf("delete receipt: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete receipt rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListReceiptsByAuthor(ctx context.Context, authorID string, publicOnly bool, skip, limit int) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author_id, claim_text, claim_type, COALESCE(implication_text, ''), parent_id, visibility, fork_count, reaction_count, created_at, updated_at
		FROM receipts
		WHERE author_id=$1 AND (NOT $2 OR visibility='public')
		ORDER BY created_at DESC, id DESC
		OFFSET $3 LIMIT $4
	`, authorID, publicOnly, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("list receipts by author: %w", err)
	}
	return scanReceipts(rows)
}

func (s *PostgresStore) ListPublicReceipts(ctx context.Context, skip, limit int, excludeAuthors []string) ([]Receipt, error) {
	query := `
		SELECT id, author_id, claim_text, claim_type, COALESCE(implication_text, ''), parent_id, visibility, fork_count, reaction_count, created_at, updated_at
		FROM receipts
		WHERE visibility='public'
	`
	args := []any{}
	if len(excludeAuthors) > 0 {
		placeholders := make([]string, len(excludeAuthors))
		for i, authorID := range excludeAuthors {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, authorID)
		}
		query += fmt.Sprintf(" AND author_id NOT IN (%s)", strings.Join(placeholders, ", "))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC OFFSET $%d LIMIT $%d", len(args)+1, len(args)+2)
	args = append(args, skip, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list public receipts: %w", err)
	}
	return scanReceipts(rows)
}

// ListForks returns the direct forks of a receipt, strongest engagement first.
func (s *PostgresStore) ListForks(ctx context.Context, parentID string, limit int) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author_id, claim_text, claim_type, COALESCE(implication_text, ''), parent_id, visibility, fork_count, reaction_count, created_at, updated_at
		FROM receipts
		WHERE parent_id=$1
		ORDER BY reaction_count DESC, created_at ASC, id ASC
		LIMIT $2
	`, parentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list forks: %w", err)
	}
	return scanReceipts(rows)
}

func (s *PostgresStore) ListTrendingReceipts(ctx context.Context, since time.Time, limit int) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author_id, claim_text, claim_type, COALESCE(implication_text, ''), parent_id, visibility, fork_count, reaction_count, created_at, updated_at
		FROM receipts
		WHERE visibility='public' AND created_at >= $1
		ORDER BY (reaction_count + fork_count * 2) DESC, created_at DESC, id DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list trending receipts: %w", err)
	}
	return scanReceipts(rows)
}

func scanReceipts(rows *sql.Rows) ([]Receipt, error) {
	defer rows.Close()

	items := make([]Receipt, 0)
	for rows.Next() {
		var item Receipt
		if err := rows.Scan(
			&item.ID,
			&item.AuthorID,
			&item.ClaimText,
			&item.ClaimType,
			&item.ImplicationText,
			&item.ParentID,
			&item.Visibility,
			&item.ForkCount,
			&item.ReactionCount,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) IncrementForkCount(ctx context.Context, receiptID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE receipts SET fork_count = fork_count + 1, updated_at = NOW() WHERE id=$1
	`, receiptID)
	if err != nil {
		return fmt.Errorf("increment fork count: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementReactionCount(ctx context.Context, receiptID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE receipts SET reaction_count = reaction_count + 1, updated_at = NOW() WHERE id=$1
	`, receiptID)
	if err != nil {
		return fmt.Errorf("increment reaction count: %w", err)
	}
	return nil
}

// DecrementReactionCount clamps at zero so a drifted counter can never push a
// row below the schema's CHECK constraint.
func (s *PostgresStore) DecrementReactionCount(ctx context.Context, receiptID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE receipts SET reaction_count = GREATEST(reaction_count - 1, 0), updated_at = NOW() WHERE id=$1
	`, receiptID)
	if err != nil {
		return fmt.Errorf("decrement reaction count: %w", err)
	}
	return nil
}

// ReconcileCounts recomputes both denormalized counters from the underlying
// tables, touching only rows whose stored value drifted. Row counts therefore
// report actual corrections, not table size.
func (s *PostgresStore) ReconcileCounts(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats

	reactionResult, err := s.db.ExecContext(ctx, `
		UPDATE receipts SET reaction_count = actual.n, updated_at = NOW()
		FROM (
			SELECT r.id, COUNT(re.id) AS n
			FROM receipts r
			LEFT JOIN reactions re ON re.receipt_id = r.id
			GROUP BY r.id
		) AS actual
		WHERE receipts.id = actual.id AND receipts.reaction_count <> actual.n
	`)
	if err != nil {
		return ReconcileStats{}, fmt.Errorf("reconcile reaction counts: %w", err)
	}
	stats.ReactionRows, err = reactionResult.RowsAffected()
	if err != nil {
		return ReconcileStats{}, fmt.Errorf("reconcile reaction count rows: %w", err)
	}

	forkResult, err := s.db.ExecContext(ctx, `
		UPDATE receipts SET fork_count = actual.n, updated_at = NOW()
		FROM (
			SELECT r.id, COUNT(f.id) AS n
			FROM receipts r
			LEFT JOIN receipts f ON f.parent_id = r.id
			GROUP BY r.id
		) AS actual
		WHERE receipts.id = actual.id AND receipts.fork_count <> actual.n
	`)
	if err != nil {
		return ReconcileStats{}, fmt.Errorf("reconcile fork counts: %w", err)
	}
	stats.ForkRows, err = forkResult.RowsAffected()
	if err != nil {
		return ReconcileStats{}, fmt.Errorf("reconcile fork count rows: %w", err)
	}

	return stats, nil
}

// AddReaction inserts the reaction unless the same (receipt, user, kind) row
// already exists. The bool reports whether a new row was written.
func (s *PostgresStore) AddReaction(ctx context.Context, item Reaction) (Reaction, bool, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reactions (id, receipt_id, user_id, kind)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (receipt_id, user_id, kind) DO NOTHING
		RETURNING created_at
	`, item.ID, item.ReceiptID, item.UserID, item.Kind).Scan(&item.CreatedAt)
	if err == nil {
		return item, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Reaction{}, false, fmt.Errorf("insert reaction: %w", err)
	}

	existing, err := s.GetReaction(ctx, item.ReceiptID, item.UserID, item.Kind)
	if err != nil {
		return Reaction{}, false, fmt.Errorf("load existing reaction: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) GetReaction(ctx context.Context, receiptID, userID, kind string) (Reaction, error) {
	var item Reaction
	err := s.db.QueryRowContext(ctx, `
		SELECT id, receipt_id, user_id, kind, created_at
		FROM reactions
		WHERE receipt_id=$1 AND user_id=$2 AND kind=$3
	`, receiptID, userID, kind).Scan(&item.ID, &item.ReceiptID, &item.UserID, &item.Kind, &item.CreatedAt)
	if err != nil {
		return Reaction{}, err
	}
	return item, nil
}

func (s *PostgresStore) RemoveReaction(ctx context.Context, receiptID, userID, kind string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM reactions WHERE receipt_id=$1 AND user_id=$2 AND kind=$3
	`, receiptID, userID, kind)
	if err != nil {
		return false, fmt.Errorf("remove reaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove reaction rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListReactionCounts(ctx context.Context, receiptID string) (ReactionCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM reactions WHERE receipt_id=$1 GROUP BY kind
	`, receiptID)
	if err != nil {
		return ReactionCounts{}, fmt.Errorf("list reaction counts: %w", err)
	}
	defer rows.Close()

	var counts ReactionCounts
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return ReactionCounts{}, fmt.Errorf("scan reaction count: %w", err)
		}
		switch kind {
		case "support":
			counts.Support = n
		case "dispute":
			counts.Dispute = n
		case "bookmark":
			counts.Bookmark = n
		}
	}
	if err := rows.Err(); err != nil {
		return ReactionCounts{}, fmt.Errorf("iterate reaction counts: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) ListBlockedIDs(ctx context.Context, blockerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT blocked_id FROM user_blocks WHERE blocker_id=$1 ORDER BY blocked_id
	`, blockerID)
	if err != nil {
		return nil, fmt.Errorf("list blocked ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan blocked id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocked ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) InsertBlock(ctx context.Context, blockerID, blockedID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO user_blocks (blocker_id, blocked_id)
		VALUES ($1, $2)
		ON CONFLICT (blocker_id, blocked_id) DO NOTHING
	`, blockerID, blockedID)
	if err != nil {
		return false, fmt.Errorf("insert block: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert block rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteBlock(ctx context.Context, blockerID, blockedID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM user_blocks WHERE blocker_id=$1 AND blocked_id=$2
	`, blockerID, blockedID)
	if err != nil {
		return false, fmt.Errorf("delete block: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete block rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SummaryCounts(ctx context.Context) (receipts int, forks int, reactions int, blocks int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts`).Scan(&receipts); err != nil {
		err = fmt.Errorf("count receipts: %w", err)
		return
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts WHERE parent_id IS NOT NULL`).Scan(&forks); err != nil {
		err = fmt.Errorf("count forks: %w", err)
		return
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reactions`).Scan(&reactions); err != nil {
		err = fmt.Errorf("count reactions: %w", err)
		return
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_blocks`).Scan(&blocks); err != nil {
		err = fmt.Errorf("count blocks: %w", err)
		return
	}
	return
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
