// Package concept derives clustering keys from free text. A concept key links
// otherwise-unrelated ledger transactions that describe the same logical
// change: the merge that introduced a feature and the manual doc tweak made
// weeks later both mention the same ticket or pull request.
//
// Extraction is a best-effort heuristic over free text, not a guaranteed-unique
// identifier. A PR title quoting an unrelated ticket number will mislink.
package concept

import (
	"fmt"
	"regexp"
	"strconv"
)

type Kind string

const (
	KindTicket Kind = "TICKET"
	KindPR     Kind = "PR"
)

// Key is a tagged concept reference: a ticket like ABC-123 or a PR number.
type Key struct {
	Kind  Kind
	Value string
}

// String renders the canonical ledger form: "TICKET:<id>" or "PR#<n>".
func (k Key) String() string {
	if k.Kind == KindPR {
		return "PR#" + k.Value
	}
	return "TICKET:" + k.Value
}

// IsZero reports whether no concept was extracted.
func (k Key) IsZero() bool {
	return k.Kind == "" && k.Value == ""
}

var (
	ticketPattern = regexp.MustCompile(`\b([A-Z]{2,10}-[0-9]+)\b`)
	prPattern     = regexp.MustCompile(`(?i)\b(?:PR|pull request)\s*#([0-9]+)`)
)

// Extract returns the first concept key found in text, or a zero Key.
// Ticket tokens win over PR references; only the first occurrence counts.
func Extract(text string) Key {
	if match := ticketPattern.FindString(text); match != "" {
		return Key{Kind: KindTicket, Value: match}
	}
	if match := prPattern.FindStringSubmatch(text); match != nil {
		return Key{Kind: KindPR, Value: match[1]}
	}
	return Key{}
}

// ForTicket builds a key from an explicit ticket id, bypassing extraction.
func ForTicket(id string) Key {
	return Key{Kind: KindTicket, Value: id}
}

// ForPR builds a key from an explicit pull request number.
func ForPR(number int) Key {
	return Key{Kind: KindPR, Value: strconv.Itoa(number)}
}

// Parse reverses String. It accepts the two canonical forms and reports
// whether the input matched either.
func Parse(raw string) (Key, bool) {
	if len(raw) > 7 && raw[:7] == "TICKET:" {
		return Key{Kind: KindTicket, Value: raw[7:]}, true
	}
	if len(raw) > 3 && raw[:3] == "PR#" {
		if _, err := strconv.Atoi(raw[3:]); err == nil {
			return Key{Kind: KindPR, Value: raw[3:]}, true
		}
	}
	return Key{}, false
}

// Mention renders a human-readable reference used when scanning documentation
// text for blocks that talk about the concept.
func (k Key) Mention() string {
	if k.Kind == KindPR {
		return fmt.Sprintf("PR #%s", k.Value)
	}
	return k.Value
}
