package planner

import (
	"fmt"

	"reasonerd/internal/logging"
	"reasonerd/internal/types"
)

// Validate repairs and checks a compiled plan in place:
//
//   - duplicate node names are dropped (first occurrence wins);
//   - dependencies on unknown nodes and self-loops are removed;
//   - cycles are broken by clearing the deps of every node left stuck in
//     the Kahn pass, so mutually dependent nodes run concurrently;
//   - surviving deps that point forward in plan order are dropped;
//   - plan order is preserved.
//
// An empty plan or a plan outside the classification's size bounds is a
// *types.PlanningError.
func Validate(plan *types.Plan, class types.Classification) error {
	log := logging.Get(logging.CategoryPlanner)
	if plan == nil || len(plan.Nodes) == 0 {
		return &types.PlanningError{Reason: "plan has no nodes"}
	}

	// Dedupe names, first wins.
	seen := map[string]bool{}
	kept := plan.Nodes[:0]
	for _, n := range plan.Nodes {
		if n.Name == "" || seen[n.Name] {
			log.Warn("dropping duplicate or unnamed node %q", n.Name)
			continue
		}
		seen[n.Name] = true
		kept = append(kept, n)
	}
	plan.Nodes = kept

	// Scrub deps: unknown targets and self-loops go away.
	for i := range plan.Nodes {
		n := &plan.Nodes[i]
		deps := n.Deps[:0]
		for _, d := range n.Deps {
			if d == n.Name || !seen[d] {
				log.Debug("node %s: dropping dep %q", n.Name, d)
				continue
			}
			deps = append(deps, d)
		}
		n.Deps = deps
	}

	breakCycles(plan, log)
	dropForwardRefs(plan, log)

	min, max := class.Kind.SizeBounds()
	if len(plan.Nodes) < min || len(plan.Nodes) > max {
		return &types.PlanningError{Reason: fmt.Sprintf(
			"plan size %d outside [%d,%d] for %s", len(plan.Nodes), min, max, class.Kind)}
	}
	return nil
}

// breakCycles runs Kahn's algorithm over the raw graph; once no node is
// ready, every node still holding an unresolved dep has its deps cleared.
// Mutually dependent nodes therefore all become independent.
func breakCycles(plan *types.Plan, log *logging.Logger) {
	resolved := map[string]bool{}
	for len(resolved) < len(plan.Nodes) {
		progressed := false
		for i := range plan.Nodes {
			n := &plan.Nodes[i]
			if resolved[n.Name] {
				continue
			}
			ready := true
			for _, d := range n.Deps {
				if !resolved[d] {
					ready = false
					break
				}
			}
			if ready {
				resolved[n.Name] = true
				progressed = true
			}
		}
		if progressed {
			continue
		}
		for i := range plan.Nodes {
			n := &plan.Nodes[i]
			if resolved[n.Name] {
				continue
			}
			if len(n.Deps) > 0 {
				log.Warn("breaking cycle: node %s drops deps %v", n.Name, n.Deps)
			}
			n.Deps = nil
			resolved[n.Name] = true
		}
	}
}

// dropForwardRefs enforces that deps reference only earlier nodes.
func dropForwardRefs(plan *types.Plan, log *logging.Logger) {
	pos := map[string]int{}
	for i, n := range plan.Nodes {
		pos[n.Name] = i
	}
	for i := range plan.Nodes {
		n := &plan.Nodes[i]
		deps := n.Deps[:0]
		for _, d := range n.Deps {
			if pos[d] >= i {
				log.Debug("node %s: dropping forward dep %q", n.Name, d)
				continue
			}
			deps = append(deps, d)
		}
		n.Deps = deps
	}
}

// SingleNodePlan is the degenerate fallback used when every compiler has
// failed: one backbone node answering the query directly.
func SingleNodePlan() *types.Plan {
	return &types.Plan{Nodes: []types.Node{{
		Name:     "answer",
		Tmpl:     "GENERIC",
		Role:     types.RoleBackbone,
		Contract: types.NewContract("Answer"),
	}}}
}

// trimToBounds drops surplus nodes when a compiled plan exceeds the
// classification's maximum, preferring to shed trailing adjuncts before
// touching the backbone. Dropped names are also scrubbed from deps.
func trimToBounds(plan *types.Plan, kind types.ClassKind) {
	_, max := kind.SizeBounds()
	if len(plan.Nodes) <= max {
		return
	}
	drop := map[string]bool{}
	for i := len(plan.Nodes) - 1; i >= 0 && len(plan.Nodes)-len(drop) > max; i-- {
		if plan.Nodes[i].Role == types.RoleAdjunct {
			drop[plan.Nodes[i].Name] = true
		}
	}
	for i := len(plan.Nodes) - 2; i >= 0 && len(plan.Nodes)-len(drop) > max; i-- {
		if !drop[plan.Nodes[i].Name] {
			drop[plan.Nodes[i].Name] = true
		}
	}
	kept := plan.Nodes[:0]
	for _, n := range plan.Nodes {
		if drop[n.Name] {
			continue
		}
		deps := n.Deps[:0]
		for _, d := range n.Deps {
			if !drop[d] {
				deps = append(deps, d)
			}
		}
		n.Deps = deps
		kept = append(kept, n)
	}
	plan.Nodes = kept
}
