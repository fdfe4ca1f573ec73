package search

import (
	"context"
	"log"

	"scrivener/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to a
// ledger scan.
type Service struct {
	meili    *Meili
	fallback *LedgerScan
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback *LedgerScan) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise scans the ledger.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to ledger scan: %v", err)
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: ledger scan error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexTransaction pushes one transaction to the index, fire-and-forget.
// Ledger rows are immutable, so a lost write is only a stale index until the
// next reindex, never wrong data.
func (s *Service) IndexTransaction(txn store.Transaction) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexTransaction(txn); err != nil {
			log.Printf("search: index transaction %s: %v", txn.ID, err)
		}
	}()
}

// Reindex pushes a branch's full transaction history to the index.
func (s *Service) Reindex(ctx context.Context, repoBranch string) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	txns, err := s.fallback.scanner.Scan(ctx, repoBranch)
	if err != nil {
		return err
	}
	return s.meili.IndexTransactions(txns)
}
