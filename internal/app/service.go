// Package app composes the ledger, repository, and producer into the three
// workflows the bot runs: ingest-on-merge, manual-edit recording, and
// semantic revert. Each workflow is a short-lived unit of work triggered by
// an external event; the only shared mutable state is the ledger HEAD and
// the documentation repository, both guarded by their own optimistic checks.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"scrivener/internal/concept"
	"scrivener/internal/digest"
	"scrivener/internal/gitrepo"
	"scrivener/internal/ledger"
	"scrivener/internal/producer"
	"scrivener/internal/store"
	"scrivener/internal/ticket"
)

const (
	sourceChangeTypeDiff = "PR_DIFF"
	// docChangeType records what the doc hash covers: the full post-write
	// document content, so the round-trip revert property is checkable by
	// rehashing the restored file.
	docChangeTypeContent = "DOC_CONTENT"
)

// Ledger is the transaction log surface the workflows consume.
type Ledger interface {
	Head(ctx context.Context, repoBranch string) (string, error)
	Get(ctx context.Context, repoBranch, id string) (store.Transaction, error)
	Append(ctx context.Context, txn store.Transaction) (store.Transaction, error)
	History(ctx context.Context, repoBranch string, limit int) ([]store.Transaction, error)
	ByConcept(ctx context.Context, repoBranch, conceptKey string) ([]store.Transaction, error)
	Scan(ctx context.Context, repoBranch string) ([]store.Transaction, error)
	Ping(ctx context.Context) error
}

// Repo is the repository collaborator surface.
type Repo interface {
	EnsureRepo(repoKey, branch, author string) error
	ReadFile(repoKey, ref, path string) (gitrepo.FileVersion, error)
	WriteFile(repoKey, branch, path, content, expectedToken, author, message string) (string, string, error)
	GetCommit(repoKey, commitID string) (gitrepo.CommitMeta, error)
	CreateCommitFromTree(repoKey, treeID, parentID, author, message string) (string, error)
	UpdateBranchHead(repoKey, branch, commitID string) error
	BranchHead(repoKey, branch string) (string, error)
}

// Producer drafts and rewrites documentation text.
type Producer interface {
	ProduceDocUpdate(ctx context.Context, current string, change producer.ChangeContext) (string, error)
	ProduceRewrite(ctx context.Context, current string, spec producer.RemovalSpec) (string, error)
}

// TicketFetcher enriches prompt context. Optional; never required for
// correctness.
type TicketFetcher interface {
	Get(ctx context.Context, key string) (*ticket.Ticket, error)
}

// Archiver stores raw payloads under their digest. Optional.
type Archiver interface {
	Put(ctx context.Context, digest string, data []byte, contentType string) error
}

// Indexer mirrors new transactions into the search index. Optional.
type Indexer interface {
	IndexTransaction(txn store.Transaction)
}

type Service struct {
	ledger   Ledger
	repo     Repo
	producer Producer
	tickets  TicketFetcher
	archive  Archiver
	index    Indexer

	docPath string
	botName string
	now     func() time.Time
}

func NewService(l Ledger, r Repo, p Producer, docPath, botName string) *Service {
	return &Service{
		ledger:   l,
		repo:     r,
		producer: p,
		docPath:  docPath,
		botName:  botName,
		now:      time.Now,
	}
}

// WithTickets attaches the optional ticket tracker client.
func (s *Service) WithTickets(t TicketFetcher) *Service { s.tickets = t; return s }

// WithArchive attaches the optional payload archive.
func (s *Service) WithArchive(a Archiver) *Service { s.archive = a; return s }

// WithIndex attaches the optional search indexer.
func (s *Service) WithIndex(i Indexer) *Service { s.index = i; return s }

func (s *Service) Ping(ctx context.Context) error {
	return s.ledger.Ping(ctx)
}

// MergeEvent is the webhook payload the ingest workflow consumes.
type MergeEvent struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	Branch      string `json:"branch"`
	PRNumber    int    `json:"prNumber"`
	PRTitle     string `json:"prTitle"`
	Author      string `json:"author"`
	MergeCommit string `json:"mergeCommit"`
	Diff        string `json:"diff"`
	TicketKey   string `json:"ticketKey,omitempty"`
}

// ManualEdit records a human documentation change so later reverts can sweep
// it alongside the merge that introduced the concept it describes.
type ManualEdit struct {
	Owner   string `json:"owner"`
	Repo    string `json:"repo"`
	Branch  string `json:"branch"`
	Author  string `json:"author"`
	Note    string `json:"note"`
	Content string `json:"content"`
}

// RepoBranch builds the ledger partition key, "{owner}/{repo}#{branch}".
func RepoBranch(owner, repo, branch string) string {
	return fmt.Sprintf("%s/%s#%s", owner, repo, branch)
}

func repoKey(owner, repo string) string {
	return owner + "/" + repo
}

// IngestMerge runs the merge workflow: gather context, draft the doc update,
// write it to the repository, and record a PAIR transaction. The ledger is
// written last, only after the repository write succeeded, so a failure
// anywhere leaves HEAD untouched.
func (s *Service) IngestMerge(ctx context.Context, ev MergeEvent) (store.Transaction, error) {
	if ev.Owner == "" || ev.Repo == "" || ev.Branch == "" {
		return store.Transaction{}, errInvalid("owner, repo, and branch are required")
	}
	if ev.PRNumber <= 0 {
		return store.Transaction{}, errInvalid("prNumber is required")
	}

	key := repoKey(ev.Owner, ev.Repo)
	branchKey := RepoBranch(ev.Owner, ev.Repo, ev.Branch)

	if err := s.repo.EnsureRepo(key, ev.Branch, s.botName); err != nil {
		return store.Transaction{}, errUpstream(fmt.Sprintf("prepare repository: %v", err))
	}

	// Independent read fan-out: the current doc and the ticket summary have
	// no dependency on each other.
	var (
		wg        sync.WaitGroup
		current   gitrepo.FileVersion
		readErr   error
		ticketRec *ticket.Ticket
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		current, readErr = s.repo.ReadFile(key, ev.Branch, s.docPath)
	}()
	if s.tickets != nil && ev.TicketKey != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := s.tickets.Get(ctx, ev.TicketKey)
			if err != nil {
				log.Printf("ingest: ticket %s lookup failed, continuing without: %v", ev.TicketKey, err)
				return
			}
			ticketRec = rec
		}()
	}
	wg.Wait()

	if readErr != nil && !errors.Is(readErr, gitrepo.ErrNotFound) {
		return store.Transaction{}, errUpstream(fmt.Sprintf("read %s: %v", s.docPath, readErr))
	}

	conceptKey := s.conceptFor(ev)

	change := producer.ChangeContext{
		RepoBranch: branchKey,
		PRNumber:   ev.PRNumber,
		PRTitle:    ev.PRTitle,
		Author:     ev.Author,
		Diff:       ev.Diff,
	}
	if !conceptKey.IsZero() {
		change.TicketKey = conceptKey.String()
	}
	if ticketRec != nil {
		change.TicketSummary = ticketRec.Summary
	}

	s.archivePayload(ctx, ev.Diff, "text/x-diff")

	newContent, err := s.producer.ProduceDocUpdate(ctx, current.Content, change)
	if err != nil {
		return store.Transaction{}, errUpstream(fmt.Sprintf("draft doc update: %v", err))
	}
	if newContent == current.Content {
		return store.Transaction{}, errNoChange("drafted document is identical to the current one")
	}

	commitID, versionID, err := s.repo.WriteFile(key, ev.Branch, s.docPath, newContent,
		current.Token, s.botName, fmt.Sprintf("docs: update for PR #%d", ev.PRNumber))
	if err != nil {
		return store.Transaction{}, errUpstream(fmt.Sprintf("write %s: %v", s.docPath, err))
	}

	txn := store.Transaction{
		RepoBranch:       branchKey,
		ID:               ledger.NewSortKey(s.now(), ledger.TagPR(ev.PRNumber)),
		Kind:             store.KindPair,
		SourceChangeHash: digest.Hash(ev.Diff),
		SourceChangeType: sourceChangeTypeDiff,
		DocChangeHash:    digest.Hash(newContent),
		DocChangeType:    docChangeTypeContent,
		Author:           ev.Author,
		PRNumber:         ev.PRNumber,
		PRTitle:          ev.PRTitle,
		MergeCommit:      ev.MergeCommit,
		DocPath:          s.docPath,
		DocVersionID:     versionID,
		CreatedAt:        s.now().UTC(),
	}
	if !conceptKey.IsZero() {
		txn.ConceptKey = conceptKey.String()
	}

	recorded, err := s.ledger.Append(ctx, txn)
	if err != nil {
		return store.Transaction{}, s.mapLedgerError(err)
	}
	log.Printf("ingest: recorded %s %s on %s (commit %s)", recorded.Kind, recorded.ID, branchKey, commitID)
	s.indexTransaction(recorded)
	return recorded, nil
}

// RecordManualEdit writes operator-supplied doc content and records a
// DOC_ONLY transaction tagged with the concept the note mentions.
func (s *Service) RecordManualEdit(ctx context.Context, edit ManualEdit) (store.Transaction, error) {
	if edit.Owner == "" || edit.Repo == "" || edit.Branch == "" {
		return store.Transaction{}, errInvalid("owner, repo, and branch are required")
	}
	if edit.Content == "" {
		return store.Transaction{}, errInvalid("content is required")
	}

	key := repoKey(edit.Owner, edit.Repo)
	branchKey := RepoBranch(edit.Owner, edit.Repo, edit.Branch)

	if err := s.repo.EnsureRepo(key, edit.Branch, s.botName); err != nil {
		return store.Transaction{}, errUpstream(fmt.Sprintf("prepare repository: %v", err))
	}

	current, err := s.repo.ReadFile(key, edit.Branch, s.docPath)
	if err != nil && !errors.Is(err, gitrepo.ErrNotFound) {
		return store.Transaction{}, errUpstream(fmt.Sprintf("read %s: %v", s.docPath, err))
	}
	if edit.Content == current.Content {
		return store.Transaction{}, errNoChange("submitted document is identical to the current one")
	}

	author := edit.Author
	if author == "" {
		author = s.botName
	}
	message := "docs: manual edit"
	if edit.Note != "" {
		message = "docs: " + edit.Note
	}
	_, versionID, err := s.repo.WriteFile(key, edit.Branch, s.docPath, edit.Content,
		current.Token, author, message)
	if err != nil {
		return store.Transaction{}, errUpstream(fmt.Sprintf("write %s: %v", s.docPath, err))
	}

	s.archivePayload(ctx, edit.Content, "text/markdown")

	txn := store.Transaction{
		RepoBranch:    branchKey,
		ID:            ledger.NewSortKey(s.now(), ledger.TagManual),
		Kind:          store.KindDocOnly,
		DocChangeHash: digest.Hash(edit.Content),
		DocChangeType: docChangeTypeContent,
		Author:        author,
		DocPath:       s.docPath,
		DocVersionID:  versionID,
		CreatedAt:     s.now().UTC(),
	}
	if extracted := concept.Extract(edit.Note); !extracted.IsZero() {
		txn.ConceptKey = extracted.String()
	}

	recorded, err := s.ledger.Append(ctx, txn)
	if err != nil {
		return store.Transaction{}, s.mapLedgerError(err)
	}
	log.Printf("ingest: recorded %s %s on %s", recorded.Kind, recorded.ID, branchKey)
	s.indexTransaction(recorded)
	return recorded, nil
}

// History returns the HEAD→parent chain, newest first.
func (s *Service) History(ctx context.Context, repoBranch string, limit int) ([]store.Transaction, error) {
	items, err := s.ledger.History(ctx, repoBranch, limit)
	if err != nil {
		return nil, s.mapLedgerError(err)
	}
	return items, nil
}

// ByConcept returns a branch's transactions for one concept key, oldest first.
func (s *Service) ByConcept(ctx context.Context, repoBranch, conceptKey string) ([]store.Transaction, error) {
	items, err := s.ledger.ByConcept(ctx, repoBranch, conceptKey)
	if err != nil {
		return nil, s.mapLedgerError(err)
	}
	return items, nil
}

// GetTransaction returns one ledger record.
func (s *Service) GetTransaction(ctx context.Context, repoBranch, id string) (store.Transaction, error) {
	txn, err := s.ledger.Get(ctx, repoBranch, id)
	if err != nil {
		return store.Transaction{}, s.mapLedgerError(err)
	}
	return txn, nil
}

// conceptFor derives the clustering key for a merge: explicit ticket first,
// then extraction from the PR title, then the PR number itself.
func (s *Service) conceptFor(ev MergeEvent) concept.Key {
	if ev.TicketKey != "" {
		return concept.ForTicket(ev.TicketKey)
	}
	if extracted := concept.Extract(ev.PRTitle); !extracted.IsZero() {
		return extracted
	}
	return concept.ForPR(ev.PRNumber)
}

// archivePayload stores a payload under its digest, best effort. Ledger rows
// carry hashes only; the archive is the audit copy.
func (s *Service) archivePayload(ctx context.Context, payload, contentType string) {
	if s.archive == nil || payload == "" {
		return
	}
	if err := s.archive.Put(ctx, digest.Hash(payload), []byte(payload), contentType); err != nil {
		log.Printf("ingest: archive payload failed, continuing: %v", err)
	}
}

func (s *Service) indexTransaction(txn store.Transaction) {
	if s.index == nil {
		return
	}
	s.index.IndexTransaction(txn)
}

func (s *Service) mapLedgerError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errNotFound("transaction not found")
	case errors.Is(err, ledger.ErrConcurrentModification):
		return errConcurrent("ledger head changed concurrently, retries exhausted")
	case errors.Is(err, ledger.ErrBrokenChain):
		return errBrokenChain(err.Error())
	case errors.Is(err, ledger.ErrNoChange):
		return errNoChange("document content unchanged since the previous transaction")
	default:
		return err
	}
}
