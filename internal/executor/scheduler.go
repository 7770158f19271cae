package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reasonerd/internal/logging"
	"reasonerd/internal/types"
)

// ExecutePass runs the plan nodes named in include (nil means all) to
// completion. Nodes already on the blackboard are skipped, so a backbone
// pass followed by a full pass executes each node once.
//
// A node whose task errors is retried once; a second error bypasses it:
// an empty bypassed artifact is published and every successor has the
// failed dependency spliced out and replaced with the failed node's own
// dependencies. Only the run-level token circuit breaker aborts the pass.
func (e *Executor) ExecutePass(ctx context.Context, plan *types.Plan, include map[string]bool, pass string) error {
	log := logging.Get(logging.CategoryExecutor)

	pending := map[string]bool{}
	for _, n := range plan.Nodes {
		if include != nil && !include[n.Name] {
			continue
		}
		if e.board.Has(n.Name) {
			continue
		}
		pending[n.Name] = true
	}
	if len(pending) == 0 {
		e.onPassComplete(pass)
		return nil
	}
	log.Info("pass %s: %d nodes", pass, len(pending))

	type result struct {
		name  string
		art   *types.Artifact
		score float64
		dur   time.Duration
		err   error
	}
	results := make(chan result, 2*len(pending))
	running := map[string]bool{}
	attempts := map[string]int{}
	done := 0

	launchReady := func() {
		concurrent, _, _ := e.settings()
		for i := range plan.Nodes {
			if len(running) >= concurrent {
				return
			}
			node := plan.Nodes[i]
			if !pending[node.Name] || running[node.Name] {
				continue
			}
			ready := true
			for _, d := range node.Deps {
				if !e.board.Has(d) && pending[d] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			running[node.Name] = true
			attempts[node.Name]++
			e.onNodeStart(node.Name)
			logging.Audit().NodeStart(e.runID, node.Name)
			go func(n types.Node) {
				start := time.Now()
				art, score, err := e.runNode(ctx, n)
				results <- result{name: n.Name, art: art, score: score, dur: time.Since(start), err: err}
			}(node)
		}
	}

	finish := func(name string, art *types.Artifact) {
		if err := e.board.Put(art); err != nil {
			log.Error("blackboard rejected artifact for %s: %v", name, err)
		}
		pending[name] = false
		done++
		e.onNodeComplete(name, art)
	}

	bypass := func(name, reason string) {
		finish(name, &types.Artifact{Node: name, Status: types.StatusBypassed})
		logging.Audit().NodeBypass(e.runID, name, reason)
		e.recordOutcome(false, 0)
		spliceFailedNode(plan, name, e.runID)
	}

	for done < len(pending) {
		launchReady()
		if len(running) == 0 {
			// Validation guarantees progress; reaching here means the
			// dependency graph is wedged.
			return &types.ExecutionError{Err: fmt.Errorf("pass %s deadlocked with %d nodes unscheduled", pass, countTrue(pending))}
		}

		r := <-results
		delete(running, r.name)

		if r.err != nil {
			// A per-node budget trip short-circuits inside the node and
			// never surfaces here; only the run-level breaker aborts.
			if errors.Is(r.err, ErrRunBudget) {
				logging.Audit().BudgetExhausted(e.runID, r.name, e.budget.RunUsed(), e.budget.PerRun())
				return r.err
			}
			if attempts[r.name] < 2 {
				log.Warn("node %s failed (attempt %d), retrying: %v", r.name, attempts[r.name], r.err)
				continue
			}
			log.Warn("node %s failed twice, bypassing: %v", r.name, r.err)
			bypass(r.name, r.err.Error())
			continue
		}

		logging.Audit().NodeComplete(e.runID, r.name, string(r.art.Status), r.dur)
		e.recordOutcome(r.art.Status == types.StatusOK, r.score)
		finish(r.name, r.art)
	}

	e.onPassComplete(pass)
	return nil
}

// spliceFailedNode removes the failed node from every successor's
// dependency list, substituting the failed node's own dependencies so the
// graph stays connected.
func spliceFailedNode(plan *types.Plan, failed, runID string) {
	idx := plan.Index(failed)
	if idx < 0 {
		return
	}
	inherited := plan.Nodes[idx].Deps

	for i := range plan.Nodes {
		s := &plan.Nodes[i]
		if s.Name == failed {
			continue
		}
		hit := false
		for _, d := range s.Deps {
			if d == failed {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		seen := map[string]bool{s.Name: true}
		var deps []string
		for _, d := range s.Deps {
			if d == failed {
				for _, inh := range inherited {
					if !seen[inh] {
						seen[inh] = true
						deps = append(deps, inh)
					}
				}
				continue
			}
			if !seen[d] {
				seen[d] = true
				deps = append(deps, d)
			}
		}
		s.Deps = deps
		logging.Audit().DepRewire(runID, s.Name,
			fmt.Sprintf("dropped %s, deps now [%s]", failed, strings.Join(deps, " ")))
	}
}

func countTrue(m map[string]bool) int {
	n := 0
	for _, v := range m {
		if v {
			n++
		}
	}
	return n
}
