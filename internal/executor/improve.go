package executor

import (
	"context"
	"errors"
	"strings"

	"reasonerd/internal/judges"
	"reasonerd/internal/logging"
	"reasonerd/internal/qa"
	"reasonerd/internal/textutil"
	"reasonerd/internal/types"
)

// Hard cap on node improvement recommendations.
const maxRecommendations = 10

// runNode drives one node through the improvement loop:
//
//	DRAFT -> REVIEW -> DONE          when QA passes;
//	              \-> PATCH -> REVIEW when failed tests suggest repairs;
//	              \-> REWRITE        with iterative constraints while
//	                                 rounds remain;
//	              \-> SHORT_CIRCUIT  when the per-node token budget trips
//	                                 or rounds run out, keeping the draft.
//
// Acceptance is QA alone; critiques are computed on both terminals for
// telemetry and never gate the status. A solver error or a run-level
// budget trip is returned to the scheduler, which owns retry, bypass,
// and the run abort. The returned score is the deliberated judge
// verdict.
func (e *Executor) runNode(ctx context.Context, node types.Node) (*types.Artifact, float64, error) {
	log := logging.Get(logging.CategoryExecutor)
	_, maxRounds, _ := e.settings()

	var (
		content     string
		qaRes       types.QAResult
		constraints []string
		tokens      int
		rounds      int
	)

	for round := 1; round <= maxRounds; round++ {
		rounds = round
		prompt := e.assemblePrompt(node, constraints)
		res, err := e.hedgedSolve(ctx, prompt, map[string]interface{}{
			"mode":    "node",
			"node":    node.Name,
			"section": node.Contract.Section(),
			"query":   e.query,
			"deps":    node.Deps,
			"round":   round,
		})
		if err != nil {
			return nil, 0, &types.ExecutionError{Node: node.Name, Err: err}
		}
		tokens += res.Tokens()
		budgetHit := false
		if cerr := e.budget.Charge(node.Name, res.Tokens()); cerr != nil {
			if errors.Is(cerr, ErrRunBudget) {
				return nil, 0, cerr
			}
			logging.Audit().BudgetExhausted(e.runID, node.Name, e.budget.NodeUsed(node.Name), 0)
			budgetHit = true
		}

		content = textutil.Sanitize(res.Text)
		qaRes = qa.Run(content, node.Contract)

		if !qaRes.OK && qaRes.HasPatches() {
			patched, outcomes := qa.ApplyPatches(content, qaRes.Issues)
			for _, o := range outcomes {
				if e.recordPatch != nil {
					e.recordPatch(o.Kind, o.OK)
				}
			}
			content = patched
			qaRes = qa.Run(content, node.Contract)
		}

		if qaRes.OK || budgetHit || round == maxRounds {
			break
		}
		log.Debug("node %s round %d: %d QA issues, rewriting", node.Name, round, len(qaRes.Issues))
		constraints = issueConstraints(qaRes.Issues)
	}

	critiques := e.judges.CritiqueAll(ctx, content, node.Contract)
	score := judges.Deliberate(critiques, e.weightOf)

	status := types.StatusFailed
	switch {
	case qaRes.OK:
		status = types.StatusOK
	case strings.TrimSpace(content) != "":
		status = types.StatusNeedsDepth
	}

	art := &types.Artifact{
		Node:      node.Name,
		Content:   content,
		QA:        qaRes,
		Critiques: critiques,
		Status:    status,
		Rounds:    rounds,
		Tokens:    tokens,
	}
	if status != types.StatusFailed {
		e.recommendStep(ctx, node, art)
	}
	return art, score, nil
}

// recommendStep asks the solver for follow-up improvements and optionally
// applies them once. Failures here never change the node's status.
func (e *Executor) recommendStep(ctx context.Context, node types.Node, art *types.Artifact) {
	prompt := "List up to 10 concrete one-line improvements for the section below, " +
		"one per line. Reply with nothing if it needs no changes.\n\n" + art.Content
	res, err := e.hedgedSolve(ctx, prompt, map[string]interface{}{
		"mode": "node_recommend",
		"node": node.Name,
	})
	if err != nil {
		logging.ExecutorDebug("node %s: recommend step failed: %v", node.Name, err)
		return
	}
	art.Tokens += res.Tokens()
	if cerr := e.budget.Charge(node.Name, res.Tokens()); cerr != nil {
		return
	}

	var recs []string
	for _, line := range strings.Split(res.Text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789. "))
		if line == "" {
			continue
		}
		recs = append(recs, line)
		if len(recs) == maxRecommendations {
			break
		}
	}
	art.Recommendations = recs
	if len(recs) == 0 || !e.applyNodeRecs {
		return
	}

	applyPrompt := "Rewrite the section below applying these improvements. Keep the same " +
		"section header.\n\nImprovements:\n- " + strings.Join(recs, "\n- ") +
		"\n\nSection:\n" + art.Content
	applied, err := e.hedgedSolve(ctx, applyPrompt, map[string]interface{}{
		"mode": "node_apply",
		"node": node.Name,
	})
	if err != nil {
		logging.ExecutorDebug("node %s: apply step failed: %v", node.Name, err)
		return
	}
	art.Tokens += applied.Tokens()
	if cerr := e.budget.Charge(node.Name, applied.Tokens()); cerr != nil {
		return
	}
	candidate := textutil.Sanitize(applied.Text)
	// Applied rewrites are kept only when they still satisfy the contract.
	if check := qa.Run(candidate, node.Contract); check.OK {
		art.Content = candidate
		art.QA = check
	}
}
