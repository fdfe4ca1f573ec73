package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresLedger persists the transaction ledger in a single table keyed by
// (repo_branch, sort_key). The reserved "HEAD" sort key holds the mutable
// pointer row; every other row begins with "TXN#" and is immutable.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (s *PostgresLedger) DB() *sql.DB {
	return s.db
}

func (s *PostgresLedger) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetHead returns the latest transaction id for the branch, or RootID when
// the branch has no HEAD row yet.
func (s *PostgresLedger) GetHead(ctx context.Context, repoBranch string) (string, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM ledger_entries WHERE repo_branch=$1 AND sort_key=$2
	`, repoBranch, HeadSortKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return RootID, nil
	}
	if err != nil {
		return "", fmt.Errorf("read head: %w", err)
	}

	var head headPayload
	if err := json.Unmarshal(payload, &head); err != nil {
		return "", fmt.Errorf("decode head: %w", err)
	}
	if head.LatestTransactionID == "" {
		return RootID, nil
	}
	return head.LatestTransactionID, nil
}

// Append inserts txn and advances HEAD to it in one database transaction.
// The HEAD update is conditional on HEAD still equaling expectedParent; when
// it does not, nothing is written and ErrHeadConflict is returned so the
// caller can re-read HEAD and retry.
func (s *PostgresLedger) Append(ctx context.Context, txn Transaction, expectedParent string) error {
	payload, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	headJSON, err := json.Marshal(headPayload{LatestTransactionID: txn.ID})
	if err != nil {
		return fmt.Errorf("encode head: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	var currentPayload []byte
	err = tx.QueryRowContext(ctx, `
		SELECT payload FROM ledger_entries
		WHERE repo_branch=$1 AND sort_key=$2
		FOR UPDATE
	`, txn.RepoBranch, HeadSortKey).Scan(&currentPayload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = RootID
	case err != nil:
		return fmt.Errorf("lock head: %w", err)
	default:
		var head headPayload
		if err := json.Unmarshal(currentPayload, &head); err != nil {
			return fmt.Errorf("decode head: %w", err)
		}
		current = head.LatestTransactionID
	}
	if current != expectedParent {
		return ErrHeadConflict
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (repo_branch, sort_key, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (repo_branch, sort_key) DO NOTHING
	`, txn.RepoBranch, txn.ID, payload, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	if inserted, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("insert transaction rows: %w", err)
	} else if inserted == 0 {
		return ErrDuplicate
	}

	// The condition re-checks expectedParent inside the upsert so two writers
	// racing on a branch with no HEAD row cannot both win.
	result, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (repo_branch, sort_key, payload, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (repo_branch, sort_key) DO UPDATE SET payload = EXCLUDED.payload
		WHERE ledger_entries.payload->>'latestTransactionId' = $4
	`, txn.RepoBranch, HeadSortKey, headJSON, expectedParent)
	if err != nil {
		return fmt.Errorf("advance head: %w", err)
	}
	if moved, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("advance head rows: %w", err)
	} else if moved == 0 {
		return ErrHeadConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Get returns a single transaction by id.
func (s *PostgresLedger) Get(ctx context.Context, repoBranch, id string) (Transaction, error) {
	if id == HeadSortKey {
		return Transaction{}, ErrNotFound
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM ledger_entries WHERE repo_branch=$1 AND sort_key=$2
	`, repoBranch, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("read transaction: %w", err)
	}
	return decodeTransaction(payload)
}

// QueryByConcept returns every transaction on the branch tagged with the
// concept key, ordered by creation time ascending. Sort keys embed a
// zero-padded UTC timestamp, so sort-key order is creation order.
func (s *PostgresLedger) QueryByConcept(ctx context.Context, repoBranch, conceptKey string) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM ledger_entries
		WHERE repo_branch=$1
			AND sort_key LIKE $2
			AND (payload->>'conceptKey' = $3 OR payload->'relatedConceptKeys' ? $3)
		ORDER BY sort_key ASC
	`, repoBranch, TxnPrefix+"%", conceptKey)
	if err != nil {
		return nil, fmt.Errorf("query by concept: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ScanBranch returns every transaction on the branch via the TXN# prefix
// range, ordered by sort key ascending. The HEAD row never matches.
func (s *PostgresLedger) ScanBranch(ctx context.Context, repoBranch string) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM ledger_entries
		WHERE repo_branch=$1 AND sort_key LIKE $2
		ORDER BY sort_key ASC
	`, repoBranch, TxnPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("scan branch: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]Transaction, error) {
	items := make([]Transaction, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txn, err := decodeTransaction(payload)
		if err != nil {
			return nil, err
		}
		items = append(items, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return items, nil
}

func decodeTransaction(payload []byte) (Transaction, error) {
	var txn Transaction
	if err := json.Unmarshal(payload, &txn); err != nil {
		return Transaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	return txn, nil
}
