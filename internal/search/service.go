package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexReceipt indexes a public receipt (fire-and-forget to Meilisearch).
// Unlisted receipts never reach the index.
func (s *Service) IndexReceipt(rec ReceiptRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if rec.Visibility != "public" {
		return
	}
	go func() {
		if err := s.meili.IndexReceipt(rec); err != nil {
			log.Printf("search: index receipt %s: %v", rec.ID, err)
		}
	}()
}

// DeleteReceipt removes a receipt from the search index (fire-and-forget).
func (s *Service) DeleteReceipt(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteReceipt(id); err != nil {
			log.Printf("search: delete receipt %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes the given records to Meilisearch in one batch.
func (s *Service) ReindexAll(receipts []ReceiptRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	if len(receipts) > 0 {
		if err := s.meili.IndexReceipts(receipts); err != nil {
			log.Printf("search: reindex receipts: %v", err)
		}
	}
}

// ReindexAllFromPG reads all public receipts from PostgreSQL and pushes them
// to Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	receipts, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	s.ReindexAll(receipts)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
