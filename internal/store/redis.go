package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger is the key-value rendition of the ledger: one hash per repo
// branch whose fields are sort keys, with the reserved HEAD field as the
// pointer. Optimistic concurrency uses WATCH so the transaction insert and
// the HEAD update land together or not at all.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

// NewRedisLedger connects to Redis and verifies the connection.
func NewRedisLedger(redisURL string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisLedger{client: client, prefix: "ledger:"}, nil
}

// NewRedisLedgerWithClient wraps an existing client, used by tests.
func NewRedisLedgerWithClient(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client, prefix: "ledger:"}
}

func (s *RedisLedger) key(repoBranch string) string {
	return s.prefix + repoBranch
}

func (s *RedisLedger) Close() error {
	return s.client.Close()
}

func (s *RedisLedger) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// GetHead returns the latest transaction id for the branch, or RootID.
func (s *RedisLedger) GetHead(ctx context.Context, repoBranch string) (string, error) {
	raw, err := s.client.HGet(ctx, s.key(repoBranch), HeadSortKey).Result()
	if errors.Is(err, redis.Nil) {
		return RootID, nil
	}
	if err != nil {
		return "", fmt.Errorf("read head: %w", err)
	}
	return decodeHead(raw)
}

// Append inserts txn and advances HEAD under a WATCH on the branch hash.
// A concurrent write between the HEAD check and EXEC aborts the MULTI and
// surfaces as ErrHeadConflict for the caller to retry.
func (s *RedisLedger) Append(ctx context.Context, txn Transaction, expectedParent string) error {
	payload, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	headJSON, err := json.Marshal(headPayload{LatestTransactionID: txn.ID})
	if err != nil {
		return fmt.Errorf("encode head: %w", err)
	}

	key := s.key(txn.RepoBranch)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current := RootID
		raw, err := tx.HGet(ctx, key, HeadSortKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read head: %w", err)
		}
		if err == nil {
			if current, err = decodeHead(raw); err != nil {
				return err
			}
		}
		if current != expectedParent {
			return ErrHeadConflict
		}

		exists, err := tx.HExists(ctx, key, txn.ID).Result()
		if err != nil {
			return fmt.Errorf("check duplicate: %w", err)
		}
		if exists {
			return ErrDuplicate
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, txn.ID, payload)
			pipe.HSet(ctx, key, HeadSortKey, headJSON)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrHeadConflict
	}
	return err
}

// Get returns a single transaction by id.
func (s *RedisLedger) Get(ctx context.Context, repoBranch, id string) (Transaction, error) {
	if id == HeadSortKey {
		return Transaction{}, ErrNotFound
	}
	raw, err := s.client.HGet(ctx, s.key(repoBranch), id).Result()
	if errors.Is(err, redis.Nil) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("read transaction: %w", err)
	}
	return decodeTransaction([]byte(raw))
}

// QueryByConcept returns transactions tagged with conceptKey in creation
// order. Redis hashes are unordered, so the scan sorts by sort key, which
// embeds a zero-padded timestamp.
func (s *RedisLedger) QueryByConcept(ctx context.Context, repoBranch, conceptKey string) ([]Transaction, error) {
	all, err := s.ScanBranch(ctx, repoBranch)
	if err != nil {
		return nil, err
	}
	matched := make([]Transaction, 0)
	for _, txn := range all {
		if txn.MatchesConcept(conceptKey) {
			matched = append(matched, txn)
		}
	}
	return matched, nil
}

// ScanBranch returns every transaction on the branch in sort-key order.
func (s *RedisLedger) ScanBranch(ctx context.Context, repoBranch string) ([]Transaction, error) {
	fields, err := s.client.HGetAll(ctx, s.key(repoBranch)).Result()
	if err != nil {
		return nil, fmt.Errorf("scan branch: %w", err)
	}

	items := make([]Transaction, 0, len(fields))
	for field, raw := range fields {
		if !strings.HasPrefix(field, TxnPrefix) {
			continue
		}
		txn, err := decodeTransaction([]byte(raw))
		if err != nil {
			return nil, err
		}
		items = append(items, txn)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func decodeHead(raw string) (string, error) {
	var head headPayload
	if err := json.Unmarshal([]byte(raw), &head); err != nil {
		return "", fmt.Errorf("decode head: %w", err)
	}
	if head.LatestTransactionID == "" {
		return RootID, nil
	}
	return head.LatestTransactionID, nil
}
