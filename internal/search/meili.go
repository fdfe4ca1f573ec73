package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"scrivener/internal/store"
)

const idxTransactions = "scrivener_transactions"

// Meili serves transaction search via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the transaction index.
// An unreachable server is not an error; the health loop keeps probing and
// reconfigures the index once the server comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxTransactions,
		PrimaryKey: "docId",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxTransactions, err)
	}

	index := m.client.Index(idxTransactions)
	filterable := []interface{}{"repoBranch", "kind", "conceptKey"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxTransactions, err)
	}
	searchable := []string{"prTitle", "author", "conceptKey"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxTransactions, err)
	}
	sortable := []string{"sortKey"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Printf("search: update sortable attrs for %s: %v", idxTransactions, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the transaction index.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	sr := &meili.SearchRequest{
		Limit:  limit,
		Offset: int64(q.Offset),
		Sort:   []string{"sortKey:desc"},
	}
	var filters []string
	if q.RepoBranch != "" {
		filters = append(filters, fmt.Sprintf("repoBranch = %q", q.RepoBranch))
	}
	if q.Kind != "" {
		filters = append(filters, fmt.Sprintf("kind = %q", q.Kind))
	}
	if q.ConceptKey != "" {
		filters = append(filters, fmt.Sprintf("conceptKey = %q", q.ConceptKey))
	}
	if len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.Index(idxTransactions).Search(q.Text, sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		RepoBranch:    decodeString(hit, "repoBranch"),
		TransactionID: decodeString(hit, "sortKey"),
		Kind:          decodeString(hit, "kind"),
		ConceptKey:    decodeString(hit, "conceptKey"),
		PRTitle:       decodeString(hit, "prTitle"),
		Author:        decodeString(hit, "author"),
	}
	if raw, ok := hit["prNumber"]; ok {
		var n int
		if err := json.Unmarshal(raw, &n); err == nil {
			r.PRNumber = n
		}
	}
	if ts := decodeString(hit, "createdAt"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			r.CreatedAt = parsed
		}
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexTransaction adds or updates one transaction in the index.
func (m *Meili) IndexTransaction(txn store.Transaction) error {
	_, err := m.client.Index(idxTransactions).AddDocuments([]transactionRecord{recordFor(txn)}, nil)
	return err
}

// IndexTransactions bulk-indexes transactions.
func (m *Meili) IndexTransactions(txns []store.Transaction) error {
	if len(txns) == 0 {
		return nil
	}
	records := make([]transactionRecord, len(txns))
	for i, txn := range txns {
		records[i] = recordFor(txn)
	}
	_, err := m.client.Index(idxTransactions).AddDocuments(records, nil)
	return err
}
