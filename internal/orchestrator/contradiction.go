package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"reasonerd/internal/backend"
	"reasonerd/internal/logging"
	"reasonerd/internal/types"
)

// claimPattern mines "<subject> is [not] <object>" statements from
// artifact content.
var claimPattern = regexp.MustCompile(`(?i)\b([A-Za-z][A-Za-z0-9_ -]{0,40}?)\s+is\s+(not\s+)?([a-z][a-z0-9_-]*)`)

// Conflict is a cross-artifact contradiction: the same subject/object
// pair asserted positively in one node and negatively in another.
type Conflict struct {
	Subject    string
	Object     string
	PosNode    string
	NegNode    string
	Resolution string
}

// claim is one mined statement.
type claim struct {
	subject string
	object  string
	negated bool
	node    string
}

func mineClaims(node, content string) []claim {
	var out []claim
	for _, m := range claimPattern.FindAllStringSubmatch(content, -1) {
		subject := normalizeSubject(m[1])
		if subject == "" {
			continue
		}
		out = append(out, claim{
			subject: subject,
			object:  strings.ToLower(m[3]),
			negated: m[2] != "",
			node:    node,
		})
	}
	return out
}

// normalizeSubject lowercases and drops a leading article so "The system"
// and "the system" collide.
func normalizeSubject(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, article := range []string{"the ", "a ", "an "} {
		if strings.HasPrefix(s, article) {
			s = strings.TrimPrefix(s, article)
			break
		}
	}
	return strings.TrimSpace(s)
}

// DetectConflicts cross-references claims over the finished artifacts. A
// conflict requires the positive and negative assertions to come from
// different nodes; one artifact contradicting itself is the consistency
// judge's business, not a document-level conflict.
func DetectConflicts(board map[string]*types.Artifact) []Conflict {
	positive := map[string]string{} // subject|object -> node
	negative := map[string]string{}

	nodes := make([]string, 0, len(board))
	for name := range board {
		nodes = append(nodes, name)
	}
	sort.Strings(nodes)

	for _, name := range nodes {
		art := board[name]
		if art.Status != types.StatusOK && art.Status != types.StatusNeedsDepth {
			continue
		}
		for _, c := range mineClaims(name, art.Content) {
			key := c.subject + "|" + c.object
			if c.negated {
				if _, seen := negative[key]; !seen {
					negative[key] = c.node
				}
			} else {
				if _, seen := positive[key]; !seen {
					positive[key] = c.node
				}
			}
		}
	}

	var conflicts []Conflict
	for key, posNode := range positive {
		negNode, ok := negative[key]
		if !ok || posNode == negNode {
			continue
		}
		i := strings.IndexByte(key, '|')
		conflicts = append(conflicts, Conflict{
			Subject: key[:i],
			Object:  key[i+1:],
			PosNode: posNode,
			NegNode: negNode,
		})
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].Subject != conflicts[j].Subject {
			return conflicts[i].Subject < conflicts[j].Subject
		}
		return conflicts[i].Object < conflicts[j].Object
	})
	return conflicts
}

// resolveConflicts asks the solver for a resolution paragraph per
// conflict. A failed resolution leaves the conflict listed without
// commentary rather than failing the run.
func resolveConflicts(ctx context.Context, solver backend.Solver, conflicts []Conflict) {
	for i := range conflicts {
		c := &conflicts[i]
		prompt := fmt.Sprintf(
			"Two sections of a document disagree: %q claims \"%s is %s\" while %q claims \"%s is not %s\". "+
				"Write one short paragraph reconciling or adjudicating the claims.",
			c.PosNode, c.Subject, c.Object, c.NegNode, c.Subject, c.Object)
		res, err := solver.Solve(ctx, prompt, map[string]interface{}{
			"mode": "contradiction_resolution",
		})
		if err != nil {
			logging.Cohesion("contradiction resolution failed for %s/%s: %v", c.Subject, c.Object, err)
			continue
		}
		c.Resolution = strings.TrimSpace(res.Text)
	}
}
