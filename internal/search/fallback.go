package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"scrivener/internal/store"
)

// Scanner reads every transaction on a branch, oldest first. The ledger
// service satisfies this.
type Scanner interface {
	Scan(ctx context.Context, repoBranch string) ([]store.Transaction, error)
}

// LedgerScan serves search by scanning ledger rows directly. Slower than the
// index but always consistent with it, since the ledger is the source of
// truth the index is built from.
type LedgerScan struct {
	scanner Scanner
}

func NewLedgerScan(scanner Scanner) *LedgerScan {
	return &LedgerScan{scanner: scanner}
}

// Search filters and text-matches transactions on one branch. A repo branch
// is required here; without the index there is nothing to scan otherwise.
func (l *LedgerScan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if q.RepoBranch == "" {
		return nil, 0, fmt.Errorf("ledger scan search requires a repo branch")
	}

	txns, err := l.scanner.Scan(ctx, q.RepoBranch)
	if err != nil {
		return nil, 0, fmt.Errorf("scan %s: %w", q.RepoBranch, err)
	}

	var matched []Result
	for _, txn := range txns {
		if q.Kind != "" && string(txn.Kind) != q.Kind {
			continue
		}
		if q.ConceptKey != "" && !txn.MatchesConcept(q.ConceptKey) {
			continue
		}
		if !matchesText(txn, q.Text) {
			continue
		}
		matched = append(matched, resultFor(txn))
	}

	// Newest first, matching the index order.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].TransactionID > matched[j].TransactionID
	})

	total := len(matched)
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	if q.Offset >= len(matched) {
		return []Result{}, total, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func matchesText(txn store.Transaction, text string) bool {
	text = strings.TrimSpace(strings.ToLower(text))
	if text == "" {
		return true
	}
	for _, field := range []string{txn.PRTitle, txn.Author, txn.ConceptKey} {
		if strings.Contains(strings.ToLower(field), text) {
			return true
		}
	}
	return false
}
