// Package producer turns code changes into documentation text. The AI client
// drafts updates and rewrites; a deterministic heuristic stands in whenever
// the AI is unconfigured, errors, or returns nothing usable.
package producer

// ChangeContext carries everything known about a merged change when drafting
// its documentation entry.
type ChangeContext struct {
	RepoBranch    string
	PRNumber      int
	PRTitle       string
	Author        string
	Diff          string
	TicketKey     string
	TicketSummary string
}

// RemovalSpec identifies the concept a rewrite must excise while leaving the
// rest of the document intact.
type RemovalSpec struct {
	// ConceptKey is the canonical ledger form, e.g. "PR#42" or "TICKET:ABC-1".
	ConceptKey string
	// Mention is the human form that appears in prose, e.g. "PR #42".
	Mention string
	// PRNumber is zero when the concept is ticket-based.
	PRNumber int
	// Title of the change being removed, if known.
	Title string
	// AlsoTitles are titles of later linked edits swept into the same revert.
	AlsoTitles []string
}
