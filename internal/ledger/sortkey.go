package ledger

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"scrivener/internal/store"
)

// Sort keys have the form "TXN#<timestamp>#<discriminator>". The timestamp is
// RFC 3339 UTC with fixed-width millisecond precision, so lexicographic order
// over sort keys is creation order. The discriminator disambiguates writes in
// the same millisecond and tags the workflow that produced the transaction.
const sortKeyStampLayout = "2006-01-02T15:04:05.000Z"

const (
	TagRevert    = "REVERT"
	TagManual    = "MANUAL"
	TagDashboard = "DASHBOARD"
)

// TagPR builds a zero-padded discriminator tag for a pull request number.
func TagPR(number int) string {
	return fmt.Sprintf("PR%04d", number)
}

// NewSortKey builds a transaction sort key for the given creation time.
// tag may be empty; the random suffix alone still disambiguates.
func NewSortKey(createdAt time.Time, tag string) string {
	stamp := createdAt.UTC().Format(sortKeyStampLayout)
	suffix := randomSuffix()
	if tag == "" {
		return store.TxnPrefix + stamp + "#" + suffix
	}
	return store.TxnPrefix + stamp + "#" + tag + "-" + suffix
}

// SortKeyTime recovers the creation timestamp embedded in a sort key.
func SortKeyTime(sortKey string) (time.Time, error) {
	parts := strings.SplitN(sortKey, "#", 3)
	if len(parts) != 3 || parts[0]+"#" != store.TxnPrefix {
		return time.Time{}, fmt.Errorf("malformed sort key %q", sortKey)
	}
	stamp, err := time.Parse(sortKeyStampLayout, parts[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("parse sort key timestamp: %w", err)
	}
	return stamp, nil
}

func randomSuffix() string {
	bytes := make([]byte, 4)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
