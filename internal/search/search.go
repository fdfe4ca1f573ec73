// Package search answers free-text queries over ledger transactions.
// Meilisearch serves queries when it is reachable; a direct ledger scan
// serves them when it is not, so search never becomes a hard dependency.
package search

import (
	"time"

	"scrivener/internal/digest"
	"scrivener/internal/store"
)

// Query is one search request.
type Query struct {
	Text       string
	RepoBranch string
	Kind       string
	ConceptKey string
	Limit      int
	Offset     int
}

// Result is one transaction hit.
type Result struct {
	RepoBranch    string    `json:"repoBranch"`
	TransactionID string    `json:"transactionId"`
	Kind          string    `json:"kind"`
	ConceptKey    string    `json:"conceptKey,omitempty"`
	PRNumber      int       `json:"prNumber,omitempty"`
	PRTitle       string    `json:"prTitle,omitempty"`
	Author        string    `json:"author,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Response is what search handlers return.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// transactionRecord is the indexed shape of a transaction. Meilisearch
// document IDs only allow [A-Za-z0-9_-], so the record carries a digest of
// the (repoBranch, sortKey) identity as its primary key and keeps the real
// identifiers as plain fields.
type transactionRecord struct {
	DocID      string `json:"docId"`
	RepoBranch string `json:"repoBranch"`
	SortKey    string `json:"sortKey"`
	Kind       string `json:"kind"`
	ConceptKey string `json:"conceptKey"`
	PRNumber   int    `json:"prNumber"`
	PRTitle    string `json:"prTitle"`
	Author     string `json:"author"`
	CreatedAt  string `json:"createdAt"`
}

func recordFor(txn store.Transaction) transactionRecord {
	return transactionRecord{
		DocID:      digest.Hash(txn.RepoBranch + "|" + txn.ID),
		RepoBranch: txn.RepoBranch,
		SortKey:    txn.ID,
		Kind:       string(txn.Kind),
		ConceptKey: txn.ConceptKey,
		PRNumber:   txn.PRNumber,
		PRTitle:    txn.PRTitle,
		Author:     txn.Author,
		CreatedAt:  txn.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func resultFor(txn store.Transaction) Result {
	return Result{
		RepoBranch:    txn.RepoBranch,
		TransactionID: txn.ID,
		Kind:          string(txn.Kind),
		ConceptKey:    txn.ConceptKey,
		PRNumber:      txn.PRNumber,
		PRTitle:       txn.PRTitle,
		Author:        txn.Author,
		CreatedAt:     txn.CreatedAt,
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
