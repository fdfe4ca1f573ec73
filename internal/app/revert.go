package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"scrivener/internal/concept"
	"scrivener/internal/digest"
	"scrivener/internal/gitrepo"
	"scrivener/internal/ledger"
	"scrivener/internal/producer"
	"scrivener/internal/store"
)

// revertState names the phases of a revert request. A failure in any state
// aborts the request; nothing already written is rolled back automatically.
type revertState string

const (
	stateLoading       revertState = "LOADING"
	stateCodeReverting revertState = "CODE_REVERTING"
	stateDocsRewriting revertState = "DOCS_REWRITING"
	stateCommitting    revertState = "COMMITTING"
	stateRecording     revertState = "RECORDING"
	stateDone          revertState = "DONE"
)

// RevertRequest asks for a target transaction and everything conceptually
// linked after it to be undone.
type RevertRequest struct {
	Owner    string `json:"owner"`
	Repo     string `json:"repo"`
	Branch   string `json:"branch"`
	TargetID string `json:"targetTransactionId"`
	Operator string `json:"operator"`
}

// Revert undoes a transaction: structurally reverts its merge commit if it
// has one, rewrites the documentation with the concept removed, and records
// a REVERT transaction. The ledger is written only after both repository
// writes succeed, so HEAD never points at work that did not happen.
func (s *Service) Revert(ctx context.Context, req RevertRequest) (store.Transaction, error) {
	if req.Owner == "" || req.Repo == "" || req.Branch == "" || req.TargetID == "" {
		return store.Transaction{}, errInvalid("owner, repo, branch, and targetTransactionId are required")
	}

	key := repoKey(req.Owner, req.Repo)
	branchKey := RepoBranch(req.Owner, req.Repo, req.Branch)
	logState := func(next revertState) {
		log.Printf("revert %s: %s", req.TargetID, next)
	}
	logState(stateLoading)

	target, err := s.ledger.Get(ctx, branchKey, req.TargetID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Transaction{}, errNotFound(fmt.Sprintf("transaction %s not found on %s", req.TargetID, branchKey))
	}
	if err != nil {
		return store.Transaction{}, fmt.Errorf("load target transaction: %w", err)
	}
	if target.Kind == store.KindRevert {
		return store.Transaction{}, errInvalid("a REVERT transaction cannot itself be reverted")
	}

	swept, err := s.sweepLinkedEdits(ctx, branchKey, target)
	if err != nil {
		return store.Transaction{}, err
	}

	// The pre-revert tip is captured now: the doc content to rewrite is the
	// state readers saw before this revert, even after the branch moves.
	preRevertTip, err := s.repo.BranchHead(key, req.Branch)
	if err != nil {
		return store.Transaction{}, errUpstream(fmt.Sprintf("resolve branch tip: %v", err))
	}

	operator := req.Operator
	if operator == "" {
		operator = s.botName
	}

	logState(stateCodeReverting)
	var codeRevertCommit string
	if target.MergeCommit != "" {
		codeRevertCommit, err = s.revertMergeCommit(key, req.Branch, preRevertTip, target, operator)
		if err != nil {
			return store.Transaction{}, err
		}
	}

	logState(stateDocsRewriting)
	current, err := s.repo.ReadFile(key, preRevertTip, s.docPath)
	if errors.Is(err, gitrepo.ErrNotFound) {
		return store.Transaction{}, errNotFound(fmt.Sprintf("documentation file %s not found", s.docPath))
	}
	if err != nil {
		return store.Transaction{}, errUpstream(fmt.Sprintf("read %s: %v", s.docPath, err))
	}

	newContent, err := s.producer.ProduceRewrite(ctx, current.Content, removalSpecFor(target, swept))
	if err != nil {
		return store.Transaction{}, errUpstream(fmt.Sprintf("rewrite documentation: %v", err))
	}
	if newContent == current.Content {
		if codeRevertCommit != "" {
			log.Printf("revert %s: code reverted but documentation rewrite was a no-op; branch and docs may disagree", req.TargetID)
		}
		return store.Transaction{}, errNoChange("rewrite left the document byte-identical")
	}

	logState(stateCommitting)
	docsCommit, versionID, err := s.repo.WriteFile(key, req.Branch, s.docPath, newContent,
		"", operator, fmt.Sprintf("docs: revert %s", target.ID))
	if err != nil {
		if codeRevertCommit != "" {
			log.Printf("revert %s: code reverted at %s but documentation commit failed; manual reconciliation needed: %v",
				req.TargetID, codeRevertCommit, err)
		}
		return store.Transaction{}, errUpstream(fmt.Sprintf("commit rewritten documentation: %v", err))
	}

	logState(stateRecording)
	sweptIDs := make([]string, 0, len(swept))
	for _, txn := range swept {
		sweptIDs = append(sweptIDs, txn.ID)
	}
	revertTxn := store.Transaction{
		RepoBranch:       branchKey,
		ID:               ledger.NewSortKey(s.now(), ledger.TagRevert),
		Kind:             store.KindRevert,
		DocChangeHash:    digest.Hash(newContent),
		DocChangeType:    docChangeTypeContent,
		ConceptKey:       target.ConceptKey,
		Author:           operator,
		DocPath:          s.docPath,
		DocVersionID:     versionID,
		CreatedAt:        s.now().UTC(),
		RevertedID:       target.ID,
		AlsoRemovedIDs:   sweptIDs,
		CodeRevertCommit: codeRevertCommit,
		DocsRevertCommit: docsCommit,
	}

	recorded, err := s.ledger.Append(ctx, revertTxn)
	if err != nil {
		return store.Transaction{}, s.mapLedgerError(err)
	}
	logState(stateDone)
	s.indexTransaction(recorded)
	return recorded, nil
}

// sweepLinkedEdits finds the DOC_ONLY transactions that share the target's
// concept key and were created strictly after it. They describe a concept
// that is about to disappear, so they move with the revert.
func (s *Service) sweepLinkedEdits(ctx context.Context, branchKey string, target store.Transaction) ([]store.Transaction, error) {
	if target.ConceptKey == "" {
		return nil, nil
	}
	linked, err := s.ledger.ByConcept(ctx, branchKey, target.ConceptKey)
	if err != nil {
		return nil, s.mapLedgerError(err)
	}
	swept := make([]store.Transaction, 0, len(linked))
	for _, txn := range linked {
		// Sort keys are lexicographically ordered by creation time.
		if txn.Kind == store.KindDocOnly && txn.ID > target.ID {
			swept = append(swept, txn)
		}
	}
	return swept, nil
}

// revertMergeCommit builds the structural revert: a fresh commit whose tree
// is the merge's first-parent tree, parented on the current tip. Any failure
// here aborts the revert before documentation is touched.
func (s *Service) revertMergeCommit(key, branch, tip string, target store.Transaction, operator string) (string, error) {
	merge, err := s.repo.GetCommit(key, target.MergeCommit)
	if err != nil {
		return "", errUpstream(fmt.Sprintf("load merge commit %s: %v", target.MergeCommit, err))
	}
	if len(merge.Parents) == 0 {
		return "", errUpstream(fmt.Sprintf("merge commit %s has no parent to restore", target.MergeCommit))
	}
	pre, err := s.repo.GetCommit(key, merge.Parents[0])
	if err != nil {
		return "", errUpstream(fmt.Sprintf("load pre-merge commit %s: %v", merge.Parents[0], err))
	}

	revertCommit, err := s.repo.CreateCommitFromTree(key, pre.TreeID, tip, operator,
		fmt.Sprintf("Revert merge %s (transaction %s)", target.MergeCommit, target.ID))
	if err != nil {
		return "", errUpstream(fmt.Sprintf("create revert commit: %v", err))
	}
	if err := s.repo.UpdateBranchHead(key, branch, revertCommit); err != nil {
		return "", errUpstream(fmt.Sprintf("advance branch to revert commit: %v", err))
	}
	return revertCommit, nil
}

// removalSpecFor frames what the rewrite must excise: the target's concept,
// its title, and the titles of the swept edits.
func removalSpecFor(target store.Transaction, swept []store.Transaction) producer.RemovalSpec {
	spec := producer.RemovalSpec{
		ConceptKey: target.ConceptKey,
		PRNumber:   target.PRNumber,
		Title:      target.PRTitle,
	}
	if parsed, ok := concept.Parse(target.ConceptKey); ok {
		spec.Mention = parsed.Mention()
	}
	for _, txn := range swept {
		if txn.PRTitle != "" {
			spec.AlsoTitles = append(spec.AlsoTitles, txn.PRTitle)
		}
	}
	return spec
}
