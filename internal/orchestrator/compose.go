package orchestrator

import (
	"regexp"
	"strings"

	"reasonerd/internal/qa"
	"reasonerd/internal/textutil"
	"reasonerd/internal/types"
)

// sectionDivider separates composed sections in the final document.
const sectionDivider = "\n\n---\n\n"

// scaffoldingPatterns match loop residue that must never reach the final
// document: patch filler instructions and stray constraint echoes.
var scaffoldingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^expand this section with at least \d+ more words.*$`),
	regexp.MustCompile(`(?i)^iterative constraints:?\s*$`),
}

// Compose assembles the final document from the plan's artifacts, in plan
// order. Missing, bypassed, and empty artifacts become an explicit
// placeholder section; a fully empty blackboard is a *CompositionError.
// Detected contradictions close the document under a resolution section.
func Compose(plan *types.Plan, board map[string]*types.Artifact, conflicts []Conflict) (string, error) {
	var parts []string
	usable := 0
	for _, n := range plan.Nodes {
		section := n.Contract.Section()
		if section == "" {
			section = types.TitleCase(n.Name)
		}
		art := board[n.Name]
		if art == nil || art.Status == types.StatusBypassed || strings.TrimSpace(art.Content) == "" {
			parts = append(parts, "## "+section+"\n\n_Section unavailable._")
			continue
		}
		body := stripScaffolding(art.Content)
		if !qa.HeaderPresent(body, section) {
			body = "## " + section + "\n\n" + body
		}
		parts = append(parts, strings.TrimSpace(body))
		usable++
	}
	if usable == 0 {
		return "", &types.CompositionError{Reason: "no artifacts available to compose"}
	}

	if len(conflicts) > 0 {
		parts = append(parts, renderConflicts(conflicts))
	}
	doc := strings.Join(parts, sectionDivider)
	return textutil.CollapseBlankRuns(doc), nil
}

func stripScaffolding(content string) string {
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, line := range lines {
		drop := false
		trimmed := strings.TrimSpace(line)
		for _, re := range scaffoldingPatterns {
			if re.MatchString(trimmed) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// renderConflicts formats the contradiction resolution section, one
// subsection per conflicting subject.
func renderConflicts(conflicts []Conflict) string {
	var b strings.Builder
	b.WriteString("## Contradiction Resolution\n")
	for _, c := range conflicts {
		b.WriteString("\n### ")
		b.WriteString(types.TitleCase(c.Subject))
		b.WriteString("\n\n")
		b.WriteString("Conflicting claims: \"")
		b.WriteString(c.Subject + " is " + c.Object)
		b.WriteString("\" (")
		b.WriteString(c.PosNode)
		b.WriteString(") vs \"")
		b.WriteString(c.Subject + " is not " + c.Object)
		b.WriteString("\" (")
		b.WriteString(c.NegNode)
		b.WriteString(").")
		if c.Resolution != "" {
			b.WriteString("\n\n")
			b.WriteString(strings.TrimSpace(c.Resolution))
		}
	}
	return b.String()
}
