package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always reports true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over public receipts, ordered by ts_rank with
// ts_headline snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM receipts r
		WHERE r.visibility = 'public' AND r.fts @@ plainto_tsquery('english', $1)
	`, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT r.id, r.claim_text,
			ts_headline('english', r.claim_text, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			r.author_id, r.claim_type, r.visibility
		FROM receipts r
		WHERE r.visibility = 'public' AND r.fts @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(r.fts, plainto_tsquery('english', $1)) DESC, r.created_at DESC
		LIMIT $2 OFFSET $3
	`, q.Text, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ClaimText, &r.Snippet, &r.AuthorID, &r.ClaimType, &r.Visibility); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all public receipts for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ReceiptRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, claim_text, COALESCE(implication_text, ''), author_id, claim_type, visibility
		FROM receipts
		WHERE visibility = 'public'
	`)
	if err != nil {
		return nil, fmt.Errorf("load receipts: %w", err)
	}
	defer rows.Close()

	receipts := make([]ReceiptRecord, 0)
	for rows.Next() {
		var rec ReceiptRecord
		if err := rows.Scan(&rec.ID, &rec.ClaimText, &rec.ImplicationText, &rec.AuthorID, &rec.ClaimType, &rec.Visibility); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		receipts = append(receipts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}

	return receipts, nil
}
