package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"scrivener/internal/store"
)

// fakeStore is an in-memory Store with the same CAS discipline as the real
// backends, plus hooks to simulate racing writers.
type fakeStore struct {
	mu       sync.Mutex
	rows     map[string]map[string]store.Transaction
	heads    map[string]string
	onAppend func(repoBranch string) // runs before the CAS check, under lock
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:  make(map[string]map[string]store.Transaction),
		heads: make(map[string]string),
	}
}

func (f *fakeStore) GetHead(_ context.Context, repoBranch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if head, ok := f.heads[repoBranch]; ok {
		return head, nil
	}
	return store.RootID, nil
}

func (f *fakeStore) Append(_ context.Context, txn store.Transaction, expectedParent string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onAppend != nil {
		f.onAppend(txn.RepoBranch)
	}
	head, ok := f.heads[txn.RepoBranch]
	if !ok {
		head = store.RootID
	}
	if head != expectedParent {
		return store.ErrHeadConflict
	}
	if f.rows[txn.RepoBranch] == nil {
		f.rows[txn.RepoBranch] = make(map[string]store.Transaction)
	}
	if _, dup := f.rows[txn.RepoBranch][txn.ID]; dup {
		return store.ErrDuplicate
	}
	f.rows[txn.RepoBranch][txn.ID] = txn
	f.heads[txn.RepoBranch] = txn.ID
	return nil
}

func (f *fakeStore) Get(_ context.Context, repoBranch, id string) (store.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.rows[repoBranch][id]
	if !ok {
		return store.Transaction{}, store.ErrNotFound
	}
	return txn, nil
}

func (f *fakeStore) QueryByConcept(_ context.Context, repoBranch, conceptKey string) ([]store.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.Transaction
	for _, txn := range f.rows[repoBranch] {
		if txn.MatchesConcept(conceptKey) {
			items = append(items, txn)
		}
	}
	return items, nil
}

func (f *fakeStore) ScanBranch(_ context.Context, repoBranch string) ([]store.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.Transaction
	for _, txn := range f.rows[repoBranch] {
		items = append(items, txn)
	}
	return items, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

// put writes a row directly, bypassing the CAS, to construct corrupt chains.
func (f *fakeStore) put(txn store.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[txn.RepoBranch] == nil {
		f.rows[txn.RepoBranch] = make(map[string]store.Transaction)
	}
	f.rows[txn.RepoBranch][txn.ID] = txn
}

func (f *fakeStore) drop(repoBranch, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows[repoBranch], id)
}

const testBranch = "acme/widgets#main"

func testTxn(id, docHash, conceptKey string, kind store.Kind) store.Transaction {
	return store.Transaction{
		RepoBranch:    testBranch,
		ID:            id,
		Kind:          kind,
		DocChangeHash: docHash,
		DocChangeType: "DOC_CONTENT",
		ConceptKey:    conceptKey,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestAppendAssignsParentAndAdvancesHead(t *testing.T) {
	fake := newFakeStore()
	svc := New(fake)
	ctx := context.Background()

	first, err := svc.Append(ctx, testTxn(NewSortKey(time.Now(), TagPR(1)), "h1", "PR#1", store.KindPair))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if first.ParentID != store.RootID {
		t.Fatalf("first parent = %q, want ROOT", first.ParentID)
	}

	second, err := svc.Append(ctx, testTxn(NewSortKey(time.Now(), TagManual), "h2", "PR#1", store.KindDocOnly))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if second.ParentID != first.ID {
		t.Fatalf("second parent = %q, want %q", second.ParentID, first.ID)
	}

	head, err := svc.Head(ctx, testBranch)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if head != second.ID {
		t.Fatalf("head = %q, want %q", head, second.ID)
	}
}

func TestAppendRetriesAgainstNewHead(t *testing.T) {
	fake := newFakeStore()
	svc := New(fake)
	ctx := context.Background()

	interloper := testTxn(NewSortKey(time.Now(), TagPR(9)), "h-other", "PR#9", store.KindPair)
	interloper.ParentID = store.RootID

	raced := false
	fake.onAppend = func(repoBranch string) {
		if raced {
			return
		}
		raced = true
		// Another writer lands between our HEAD read and our append.
		fake.rows[repoBranch] = map[string]store.Transaction{interloper.ID: interloper}
		fake.heads[repoBranch] = interloper.ID
	}

	txn, err := svc.Append(ctx, testTxn(NewSortKey(time.Now(), TagPR(2)), "h2", "PR#2", store.KindPair))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if txn.ParentID != interloper.ID {
		t.Fatalf("retried parent = %q, want interloper %q", txn.ParentID, interloper.ID)
	}
}

func TestAppendSurfacesConcurrentModification(t *testing.T) {
	fake := newFakeStore()
	svc := New(fake)
	ctx := context.Background()

	n := 0
	fake.onAppend = func(repoBranch string) {
		// HEAD moves on every attempt; the retry budget must run out.
		n++
		blocker := testTxn(fmt.Sprintf("%sblocker-%03d", store.TxnPrefix, n), "hb", "", store.KindDocOnly)
		blocker.ParentID = store.RootID
		fake.rows[repoBranch] = map[string]store.Transaction{blocker.ID: blocker}
		fake.heads[repoBranch] = blocker.ID
	}

	_, err := svc.Append(ctx, testTxn(NewSortKey(time.Now(), TagPR(3)), "h3", "PR#3", store.KindPair))
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("Append() error = %v, want ErrConcurrentModification", err)
	}
}

func TestAppendRejectsUnchangedDocument(t *testing.T) {
	fake := newFakeStore()
	svc := New(fake)
	ctx := context.Background()

	if _, err := svc.Append(ctx, testTxn(NewSortKey(time.Now(), TagPR(4)), "same-hash", "PR#4", store.KindPair)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	_, err := svc.Append(ctx, testTxn(NewSortKey(time.Now(), TagManual), "same-hash", "PR#4", store.KindDocOnly))
	if !errors.Is(err, ErrNoChange) {
		t.Fatalf("Append() error = %v, want ErrNoChange", err)
	}

	// A different concept with the same doc hash is not a duplicate.
	if _, err := svc.Append(ctx, testTxn(NewSortKey(time.Now(), TagManual), "same-hash", "PR#5", store.KindDocOnly)); err != nil {
		t.Fatalf("Append() distinct concept error = %v", err)
	}
}

func TestWalkHistoryTerminatesAtRoot(t *testing.T) {
	fake := newFakeStore()
	svc := New(fake)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(42))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 50; i++ {
		at := base.Add(time.Duration(i)*time.Second + time.Duration(rng.Intn(999))*time.Millisecond)
		txn := testTxn(NewSortKey(at, TagPR(i)), fmt.Sprintf("h%d", i), "", store.KindDocOnly)
		appended, err := svc.Append(ctx, txn)
		if err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
		ids = append(ids, appended.ID)
	}

	history, err := svc.History(ctx, testBranch, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != len(ids) {
		t.Fatalf("history length = %d, want %d", len(history), len(ids))
	}
	seen := map[string]bool{}
	for i, txn := range history {
		if seen[txn.ID] {
			t.Fatalf("repeated node %s", txn.ID)
		}
		seen[txn.ID] = true
		if want := ids[len(ids)-1-i]; txn.ID != want {
			t.Fatalf("history[%d] = %s, want %s", i, txn.ID, want)
		}
	}
	if history[len(history)-1].ParentID != store.RootID {
		t.Fatalf("oldest parent = %q, want ROOT", history[len(history)-1].ParentID)
	}
}

func TestWalkHistoryLimit(t *testing.T) {
	fake := newFakeStore()
	svc := New(fake)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := svc.Append(ctx, testTxn(NewSortKey(time.Now().Add(time.Duration(i)*time.Millisecond), TagPR(i)), fmt.Sprintf("h%d", i), "", store.KindDocOnly)); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	history, err := svc.History(ctx, testBranch, 3)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("limited history length = %d, want 3", len(history))
	}
}

func TestWalkHistoryBrokenChain(t *testing.T) {
	fake := newFakeStore()
	svc := New(fake)
	ctx := context.Background()

	var middle string
	for i := 0; i < 5; i++ {
		txn, err := svc.Append(ctx, testTxn(NewSortKey(time.Now().Add(time.Duration(i)*time.Millisecond), TagPR(i)), fmt.Sprintf("h%d", i), "", store.KindDocOnly))
		if err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
		if i == 2 {
			middle = txn.ID
		}
	}

	fake.drop(testBranch, middle)

	_, err := svc.History(ctx, testBranch, 0)
	if !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("History() error = %v, want ErrBrokenChain", err)
	}
}

func TestWalkHistoryDetectsCycle(t *testing.T) {
	fake := newFakeStore()
	svc := New(fake)
	ctx := context.Background()

	a := testTxn(store.TxnPrefix+"a", "ha", "", store.KindDocOnly)
	b := testTxn(store.TxnPrefix+"b", "hb", "", store.KindDocOnly)
	a.ParentID = b.ID
	b.ParentID = a.ID
	fake.put(a)
	fake.put(b)

	_, err := svc.WalkHistory(ctx, testBranch, a.ID, 0)
	if !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("WalkHistory() error = %v, want ErrBrokenChain", err)
	}
}

func TestWalkHistoryFromRootIsEmpty(t *testing.T) {
	svc := New(newFakeStore())
	history, err := svc.WalkHistory(context.Background(), testBranch, store.RootID, 0)
	if err != nil {
		t.Fatalf("WalkHistory() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history length = %d, want 0", len(history))
	}
}
