package producer

import (
	"fmt"
	"strings"
)

// AppendChangeSection is the deterministic fallback for drafting: it appends
// a markdown section describing the change to the current document.
func AppendChangeSection(current string, change ChangeContext) string {
	var section strings.Builder

	if strings.TrimSpace(current) == "" {
		section.WriteString("# Changelog\n")
	} else {
		section.WriteString(strings.TrimRight(current, "\n"))
		section.WriteString("\n")
	}
	section.WriteString("\n")

	heading := fmt.Sprintf("## PR #%d", change.PRNumber)
	if change.PRNumber == 0 {
		heading = "## Documentation update"
	}
	if change.PRTitle != "" {
		heading += ": " + change.PRTitle
	}
	section.WriteString(heading + "\n\n")

	if change.Author != "" {
		section.WriteString(fmt.Sprintf("- Author: %s\n", change.Author))
	}
	if change.TicketKey != "" {
		line := fmt.Sprintf("- Ticket: %s", change.TicketKey)
		if change.TicketSummary != "" {
			line += " (" + change.TicketSummary + ")"
		}
		section.WriteString(line + "\n")
	}

	return section.String()
}

// RemoveConcept is the deterministic fallback for rewriting: it strips every
// markdown section whose heading names the concept, then every remaining
// paragraph block that literally mentions the concept key, its human form,
// or the titles of the removed changes. The bounded unit of removal is the
// section or the blank-line-delimited block containing the mention, never a
// wider span.
func RemoveConcept(content string, spec RemovalSpec) string {
	lines := strings.Split(content, "\n")
	kept := make([]string, 0, len(lines))

	inRemovedSection := false
	for _, line := range lines {
		if isHeading(line) {
			inRemovedSection = mentionsConcept(line, spec)
		}
		if inRemovedSection {
			continue
		}
		kept = append(kept, line)
	}

	kept = removeMentioningBlocks(kept, spec)
	return collapseBlankRuns(kept)
}

func isHeading(line string) bool {
	trimmed := strings.TrimLeft(line, " ")
	return strings.HasPrefix(trimmed, "#")
}

func mentionsConcept(line string, spec RemovalSpec) bool {
	needles := make([]string, 0, 4+len(spec.AlsoTitles))
	if spec.ConceptKey != "" {
		needles = append(needles, spec.ConceptKey)
	}
	if spec.Mention != "" {
		needles = append(needles, spec.Mention)
	}
	if spec.PRNumber > 0 {
		needles = append(needles, fmt.Sprintf("PR #%d", spec.PRNumber))
	}
	if spec.Title != "" {
		needles = append(needles, spec.Title)
	}
	needles = append(needles, spec.AlsoTitles...)

	for _, needle := range needles {
		if needle != "" && strings.Contains(line, needle) {
			return true
		}
	}
	return false
}

// removeMentioningBlocks drops blank-line-delimited blocks in which any line
// mentions the concept. Headings survive this pass; only their body blocks
// are candidates.
func removeMentioningBlocks(lines []string, spec RemovalSpec) []string {
	kept := make([]string, 0, len(lines))
	block := make([]string, 0, 8)

	flush := func() {
		if len(block) == 0 {
			return
		}
		remove := false
		for _, line := range block {
			if !isHeading(line) && mentionsConcept(line, spec) {
				remove = true
				break
			}
		}
		if !remove {
			kept = append(kept, block...)
		}
		block = block[:0]
	}

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			flush()
			kept = append(kept, line)
			continue
		}
		block = append(block, line)
	}
	flush()
	return kept
}

func collapseBlankRuns(lines []string) string {
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blanks++
			if blanks > 1 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
