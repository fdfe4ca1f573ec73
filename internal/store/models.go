package store

import (
	"errors"
	"time"
)

// Kind tags what a ledger transaction recorded.
type Kind string

const (
	// KindPair links a code change to the documentation it produced.
	KindPair Kind = "PAIR"
	// KindDocOnly records a documentation change with no linked code change.
	KindDocOnly Kind = "DOC_ONLY"
	// KindRevert records the undoing of an earlier transaction.
	KindRevert Kind = "REVERT"
)

const (
	// RootID is the parent sentinel for the first transaction on a branch and
	// the HEAD value of a branch with no transactions.
	RootID = "ROOT"
	// HeadSortKey is the reserved sort key of the mutable HEAD row.
	HeadSortKey = "HEAD"
	// TxnPrefix starts every transaction sort key, so a prefix scan over a
	// repo branch returns transactions and nothing else.
	TxnPrefix = "TXN#"
)

var (
	// ErrNotFound reports a missing transaction or HEAD row.
	ErrNotFound = errors.New("ledger: not found")
	// ErrHeadConflict reports that HEAD moved between read and append; the
	// caller must re-read HEAD and retry.
	ErrHeadConflict = errors.New("ledger: head changed concurrently")
	// ErrDuplicate reports an insert with an already-used sort key.
	ErrDuplicate = errors.New("ledger: duplicate transaction id")
)

// Transaction is one immutable ledger record. Identity is (RepoBranch, ID)
// where ID is the sort key; rows are created exactly once and never edited.
// Undo is modeled as a later KindRevert transaction, preserving the full
// audit trail.
type Transaction struct {
	RepoBranch string `json:"repoBranch"`
	ID         string `json:"id"` // sort key, "TXN#<timestamp>#<discriminator>"
	ParentID   string `json:"parentTransactionId"`
	Kind       Kind   `json:"kind"`

	SourceChangeHash string `json:"sourceChangeHash,omitempty"`
	SourceChangeType string `json:"sourceChangeType,omitempty"`
	DocChangeHash    string `json:"docChangeHash,omitempty"`
	DocChangeType    string `json:"docChangeType,omitempty"`

	ConceptKey         string   `json:"conceptKey,omitempty"`
	RelatedConceptKeys []string `json:"relatedConceptKeys,omitempty"`

	Author       string    `json:"author,omitempty"`
	PRNumber     int       `json:"prNumber,omitempty"`
	PRTitle      string    `json:"prTitle,omitempty"`
	MergeCommit  string    `json:"mergeCommit,omitempty"`
	DocPath      string    `json:"docPath,omitempty"`
	DocVersionID string    `json:"docVersionId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`

	// Set only on KindRevert transactions.
	RevertedID       string   `json:"revertedTransactionId,omitempty"`
	AlsoRemovedIDs   []string `json:"alsoRemovedTransactionIds,omitempty"`
	CodeRevertCommit string   `json:"codeRevertCommitId,omitempty"`
	DocsRevertCommit string   `json:"docsRevertCommitId,omitempty"`
}

// MatchesConcept reports whether the transaction is tagged with key, either
// as its primary concept or in the related set.
func (t Transaction) MatchesConcept(key string) bool {
	if key == "" {
		return false
	}
	if t.ConceptKey == key {
		return true
	}
	for _, related := range t.RelatedConceptKeys {
		if related == key {
			return true
		}
	}
	return false
}

// headPayload is the persisted shape of the HEAD row.
type headPayload struct {
	LatestTransactionID string `json:"latestTransactionId"`
}
