package executor

import (
	"strings"

	"reasonerd/internal/planner"
	"reasonerd/internal/textutil"
	"reasonerd/internal/types"
)

// Per-dependency content cap inside an assembled prompt. Anything longer
// is summarized to a one-line preview.
const depSliceMaxChars = 1500

// assemblePrompt renders a node's solver prompt: its template with
// {query}, {section} and {deps} substituted, then any iterative
// constraints carried over from earlier rounds.
func (e *Executor) assemblePrompt(node types.Node, constraints []string) string {
	query := e.query
	if node.PromptOverride != "" {
		query = node.PromptOverride
	}

	prompt := textutil.SafeFormat(planner.Template(node.Tmpl), map[string]string{
		"query":   query,
		"section": node.Contract.Section(),
		"deps":    e.renderDeps(node.Deps),
	})

	if len(constraints) > 0 {
		prompt += "\n\nIterative Constraints:\n- " + strings.Join(constraints, "\n- ")
	}
	return prompt
}

// renderDeps turns dependency artifacts into prompt context. Healthy
// artifacts contribute their section content (capped); bypassed or failed
// ones contribute a one-line note so the solver knows the gap exists.
func (e *Executor) renderDeps(deps []string) string {
	if len(deps) == 0 {
		return "(none)"
	}
	var blocks []string
	for _, dep := range deps {
		art, ok := e.board.Get(dep)
		if !ok {
			continue
		}
		section := dep
		switch art.Status {
		case types.StatusOK, types.StatusNeedsDepth:
			content := strings.TrimSpace(art.Content)
			if len(content) > depSliceMaxChars {
				blocks = append(blocks, "- "+section+": "+textutil.Preview(content, 120))
			} else {
				blocks = append(blocks, content)
			}
		default:
			blocks = append(blocks, "- "+section+": unavailable")
		}
	}
	if len(blocks) == 0 {
		return "(none)"
	}
	return strings.Join(blocks, "\n\n")
}

// issueConstraints turns failed QA tests into iterative constraints for
// the next draft.
func issueConstraints(issues []types.Issue) []string {
	var out []string
	for _, iss := range issues {
		out = append(out, iss.Details)
	}
	return out
}
