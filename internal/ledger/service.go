// Package ledger wraps a transaction store with the append discipline the
// rest of the system relies on: optimistic HEAD retries, idempotence checks,
// and parent-chain traversal.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"scrivener/internal/store"
)

var (
	// ErrConcurrentModification reports that the HEAD precondition kept
	// failing past the retry budget.
	ErrConcurrentModification = errors.New("ledger: concurrent modification, retries exhausted")
	// ErrBrokenChain reports a parent link pointing at a missing record, or a
	// cycle. Either means ledger corruption; history must always resolve back
	// to ROOT.
	ErrBrokenChain = errors.New("ledger: broken history chain")
	// ErrNoChange reports an append whose document hash equals the previous
	// transaction's for the same concept; recording it would duplicate
	// history without any underlying change.
	ErrNoChange = errors.New("ledger: document content unchanged")
)

// Store is the persistence contract. Append must be all-or-nothing across
// the transaction row and the HEAD pointer, failing with
// store.ErrHeadConflict when HEAD no longer equals expectedParent.
type Store interface {
	GetHead(ctx context.Context, repoBranch string) (string, error)
	Append(ctx context.Context, txn store.Transaction, expectedParent string) error
	Get(ctx context.Context, repoBranch, id string) (store.Transaction, error)
	QueryByConcept(ctx context.Context, repoBranch, conceptKey string) ([]store.Transaction, error)
	ScanBranch(ctx context.Context, repoBranch string) ([]store.Transaction, error)
	Ping(ctx context.Context) error
}

type Service struct {
	store      Store
	maxRetries int
}

func New(ledgerStore Store) *Service {
	return &Service{store: ledgerStore, maxRetries: 3}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Head returns the branch HEAD, store.RootID when the branch is empty.
func (s *Service) Head(ctx context.Context, repoBranch string) (string, error) {
	return s.store.GetHead(ctx, repoBranch)
}

// Get returns a transaction by id; store.ErrNotFound when absent.
func (s *Service) Get(ctx context.Context, repoBranch, id string) (store.Transaction, error) {
	return s.store.Get(ctx, repoBranch, id)
}

// Append records txn at the current HEAD. The parent is assigned here, from
// the freshest HEAD read; a lost HEAD race is retried against the new HEAD a
// bounded number of times before surfacing ErrConcurrentModification. The
// returned transaction carries the parent that was actually recorded.
func (s *Service) Append(ctx context.Context, txn store.Transaction) (store.Transaction, error) {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		head, err := s.store.GetHead(ctx, txn.RepoBranch)
		if err != nil {
			return store.Transaction{}, err
		}

		if err := s.checkIdempotent(ctx, txn, head); err != nil {
			return store.Transaction{}, err
		}

		txn.ParentID = head
		err = s.store.Append(ctx, txn, head)
		if errors.Is(err, store.ErrHeadConflict) {
			continue
		}
		if err != nil {
			return store.Transaction{}, err
		}
		return txn, nil
	}
	return store.Transaction{}, ErrConcurrentModification
}

// checkIdempotent rejects an append that would record the same document state
// twice in a row for the same concept. Reverts are exempt: their document
// hash is always freshly computed and the framing differs.
func (s *Service) checkIdempotent(ctx context.Context, txn store.Transaction, head string) error {
	if head == store.RootID || txn.Kind == store.KindRevert || txn.DocChangeHash == "" {
		return nil
	}
	prev, err := s.store.Get(ctx, txn.RepoBranch, head)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if prev.DocChangeHash == txn.DocChangeHash && prev.ConceptKey == txn.ConceptKey {
		return fmt.Errorf("%w: same doc hash as %s", ErrNoChange, prev.ID)
	}
	return nil
}

// WalkHistory returns transactions from fromID back to ROOT via parent links,
// newest first. A missing parent or a repeated node fails with ErrBrokenChain.
// limit <= 0 walks the full chain.
func (s *Service) WalkHistory(ctx context.Context, repoBranch, fromID string, limit int) ([]store.Transaction, error) {
	items := make([]store.Transaction, 0)
	seen := make(map[string]struct{})

	id := fromID
	for id != store.RootID {
		if _, repeated := seen[id]; repeated {
			return nil, fmt.Errorf("%w: cycle at %s", ErrBrokenChain, id)
		}
		seen[id] = struct{}{}

		txn, err := s.store.Get(ctx, repoBranch, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: missing transaction %s", ErrBrokenChain, id)
		}
		if err != nil {
			return nil, err
		}
		items = append(items, txn)
		if limit > 0 && len(items) >= limit {
			break
		}

		if txn.ParentID == "" {
			return nil, fmt.Errorf("%w: transaction %s has no parent link", ErrBrokenChain, id)
		}
		id = txn.ParentID
	}
	return items, nil
}

// History walks from the branch HEAD.
func (s *Service) History(ctx context.Context, repoBranch string, limit int) ([]store.Transaction, error) {
	head, err := s.store.GetHead(ctx, repoBranch)
	if err != nil {
		return nil, err
	}
	return s.WalkHistory(ctx, repoBranch, head, limit)
}

// ByConcept returns the branch transactions tagged with conceptKey, creation
// order ascending.
func (s *Service) ByConcept(ctx context.Context, repoBranch, conceptKey string) ([]store.Transaction, error) {
	return s.store.QueryByConcept(ctx, repoBranch, conceptKey)
}

// Scan returns every transaction on the branch in creation order.
func (s *Service) Scan(ctx context.Context, repoBranch string) ([]store.Transaction, error) {
	return s.store.ScanBranch(ctx, repoBranch)
}
