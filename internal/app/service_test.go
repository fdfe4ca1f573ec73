package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"scrivener/internal/digest"
	"scrivener/internal/gitrepo"
	"scrivener/internal/ledger"
	"scrivener/internal/producer"
	"scrivener/internal/store"
)

const (
	testOwner  = "acme"
	testRepo   = "widgets"
	testBranch = "main"
	docPath    = "docs/CHANGELOG.md"
)

// memStore is an in-memory ledger.Store with the same atomicity contract as
// the real backends: append checks HEAD against expectedParent under a lock.
type memStore struct {
	mu    sync.Mutex
	rows  map[string]map[string]store.Transaction
	heads map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		rows:  make(map[string]map[string]store.Transaction),
		heads: make(map[string]string),
	}
}

func (m *memStore) GetHead(_ context.Context, repoBranch string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	head, ok := m.heads[repoBranch]
	if !ok {
		return store.RootID, nil
	}
	return head, nil
}

func (m *memStore) Append(_ context.Context, txn store.Transaction, expectedParent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	head, ok := m.heads[txn.RepoBranch]
	if !ok {
		head = store.RootID
	}
	if head != expectedParent {
		return store.ErrHeadConflict
	}
	branch := m.rows[txn.RepoBranch]
	if branch == nil {
		branch = make(map[string]store.Transaction)
		m.rows[txn.RepoBranch] = branch
	}
	if _, exists := branch[txn.ID]; exists {
		return store.ErrDuplicate
	}
	branch[txn.ID] = txn
	m.heads[txn.RepoBranch] = txn.ID
	return nil
}

func (m *memStore) Get(_ context.Context, repoBranch, id string) (store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.rows[repoBranch][id]
	if !ok {
		return store.Transaction{}, store.ErrNotFound
	}
	return txn, nil
}

func (m *memStore) QueryByConcept(_ context.Context, repoBranch, conceptKey string) ([]store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []store.Transaction
	for _, txn := range m.rows[repoBranch] {
		if txn.MatchesConcept(conceptKey) {
			items = append(items, txn)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) ScanBranch(_ context.Context, repoBranch string) ([]store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []store.Transaction
	for _, txn := range m.rows[repoBranch] {
		items = append(items, txn)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	repo   *gitrepo.Service
	branch string
}

// testClock advances 50ms per call so sort keys never collide within a
// millisecond and always order by call sequence.
func testClock() func() time.Time {
	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	var calls int
	return func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 50 * time.Millisecond)
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	led := ledger.New(newMemStore())
	repo := gitrepo.New(t.TempDir())
	svc := NewService(led, repo, producer.NewService(nil), docPath, "Scrivener")
	svc.now = testClock()
	return &fixture{
		svc:    svc,
		ledger: led,
		repo:   repo,
		branch: RepoBranch(testOwner, testRepo, testBranch),
	}
}

// simulateMerge lands a code change on the branch and returns its commit id,
// standing in for the upstream PR merge the webhook reports.
func (f *fixture) simulateMerge(t *testing.T, content string) string {
	t.Helper()
	key := repoKey(testOwner, testRepo)
	if err := f.repo.EnsureRepo(key, testBranch, "Scrivener"); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}
	commitID, _, err := f.repo.WriteFile(key, testBranch, "src/app.go", content, "", "upstream", "Merge code change")
	if err != nil {
		t.Fatalf("simulate merge: %v", err)
	}
	return commitID
}

func (f *fixture) readDoc(t *testing.T) string {
	t.Helper()
	version, err := f.repo.ReadFile(repoKey(testOwner, testRepo), testBranch, docPath)
	if err != nil {
		t.Fatalf("read doc: %v", err)
	}
	return version.Content
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("error %v is not a DomainError", err)
	}
	return domainErr.Code
}

func TestIngestMergeRecordsPairTransaction(t *testing.T) {
	f := newFixture(t)
	mergeCommit := f.simulateMerge(t, "package app\n")

	txn, err := f.svc.IngestMerge(context.Background(), MergeEvent{
		Owner: testOwner, Repo: testRepo, Branch: testBranch,
		PRNumber: 4, PRTitle: "Add caching", Author: "dana",
		MergeCommit: mergeCommit, Diff: "+ cache layer\n",
	})
	if err != nil {
		t.Fatalf("IngestMerge() error = %v", err)
	}

	if txn.Kind != store.KindPair {
		t.Fatalf("kind = %s, want PAIR", txn.Kind)
	}
	if txn.ParentID != store.RootID {
		t.Fatalf("parent = %s, want ROOT", txn.ParentID)
	}
	if txn.ConceptKey != "PR#4" {
		t.Fatalf("conceptKey = %s, want PR#4", txn.ConceptKey)
	}
	if txn.SourceChangeHash != digest.Hash("+ cache layer\n") {
		t.Fatalf("sourceChangeHash mismatch")
	}
	if doc := f.readDoc(t); txn.DocChangeHash != digest.Hash(doc) {
		t.Fatalf("docChangeHash does not match written document")
	}

	head, err := f.ledger.Head(context.Background(), f.branch)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if head != txn.ID {
		t.Fatalf("head = %s, want %s", head, txn.ID)
	}
}

func TestIngestMergeExplicitTicketWins(t *testing.T) {
	f := newFixture(t)
	mergeCommit := f.simulateMerge(t, "package app\n")

	txn, err := f.svc.IngestMerge(context.Background(), MergeEvent{
		Owner: testOwner, Repo: testRepo, Branch: testBranch,
		PRNumber: 4, PRTitle: "Add caching for PR #9", Author: "dana",
		MergeCommit: mergeCommit, Diff: "+ cache\n", TicketKey: "ABC-7",
	})
	if err != nil {
		t.Fatalf("IngestMerge() error = %v", err)
	}
	if txn.ConceptKey != "TICKET:ABC-7" {
		t.Fatalf("conceptKey = %s, want TICKET:ABC-7", txn.ConceptKey)
	}
}

func TestIngestMergeRejectsInvalidEvent(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.IngestMerge(context.Background(), MergeEvent{Owner: testOwner})
	if code := domainCode(t, err); code != "INVALID_REQUEST" {
		t.Fatalf("code = %s, want INVALID_REQUEST", code)
	}
}

func TestRecordManualEditTagsConcept(t *testing.T) {
	f := newFixture(t)
	f.simulateMerge(t, "package app\n")

	txn, err := f.svc.RecordManualEdit(context.Background(), ManualEdit{
		Owner: testOwner, Repo: testRepo, Branch: testBranch,
		Author: "sam", Note: "Clarify PR #4 rollout",
		Content: "# Changelog\n\nThe PR #4 cache work is experimental.\n",
	})
	if err != nil {
		t.Fatalf("RecordManualEdit() error = %v", err)
	}
	if txn.Kind != store.KindDocOnly {
		t.Fatalf("kind = %s, want DOC_ONLY", txn.Kind)
	}
	if txn.ConceptKey != "PR#4" {
		t.Fatalf("conceptKey = %s, want PR#4", txn.ConceptKey)
	}
	if txn.SourceChangeHash != "" {
		t.Fatalf("doc-only transaction carries a source hash")
	}
}

func TestRecordManualEditIdenticalContentRejected(t *testing.T) {
	f := newFixture(t)
	f.simulateMerge(t, "package app\n")

	edit := ManualEdit{
		Owner: testOwner, Repo: testRepo, Branch: testBranch,
		Author: "sam", Note: "seed", Content: "# Changelog\n",
	}
	if _, err := f.svc.RecordManualEdit(context.Background(), edit); err != nil {
		t.Fatalf("RecordManualEdit(seed) error = %v", err)
	}
	_, err := f.svc.RecordManualEdit(context.Background(), edit)
	if code := domainCode(t, err); code != "NO_CHANGE_PRODUCED" {
		t.Fatalf("code = %s, want NO_CHANGE_PRODUCED", code)
	}
}

func TestHistoryNewestFirstBackToRoot(t *testing.T) {
	f := newFixture(t)
	mergeA := f.simulateMerge(t, "v1\n")
	ctx := context.Background()

	first, err := f.svc.IngestMerge(ctx, MergeEvent{
		Owner: testOwner, Repo: testRepo, Branch: testBranch,
		PRNumber: 4, PRTitle: "Add caching", Author: "dana",
		MergeCommit: mergeA, Diff: "+ cache\n",
	})
	if err != nil {
		t.Fatalf("IngestMerge(4) error = %v", err)
	}
	mergeB := f.simulateMerge(t, "v2\n")
	second, err := f.svc.IngestMerge(ctx, MergeEvent{
		Owner: testOwner, Repo: testRepo, Branch: testBranch,
		PRNumber: 5, PRTitle: "Fix typo", Author: "sam",
		MergeCommit: mergeB, Diff: "- tpyo\n+ typo\n",
	})
	if err != nil {
		t.Fatalf("IngestMerge(5) error = %v", err)
	}

	history, err := f.svc.History(ctx, f.branch, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].ID != second.ID || history[1].ID != first.ID {
		t.Fatalf("history order = [%s %s]", history[0].ID, history[1].ID)
	}
	if history[1].ParentID != store.RootID {
		t.Fatalf("oldest parent = %s, want ROOT", history[1].ParentID)
	}
}
