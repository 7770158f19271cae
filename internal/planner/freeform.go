package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"reasonerd/internal/backend"
	"reasonerd/internal/logging"
	"reasonerd/internal/textutil"
	"reasonerd/internal/types"
)

// =============================================================================
// FREE-FORM PLAN COMPILER
// =============================================================================

// freeformNode is the JSON shape the planner LLM is asked to emit.
type freeformNode struct {
	Name    string   `json:"name"`
	Tmpl    string   `json:"tmpl,omitempty"`
	Deps    []string `json:"deps,omitempty"`
	Role    string   `json:"role,omitempty"`
	Section string   `json:"section,omitempty"`
	Tests   []struct {
		Kind string `json:"kind"`
		Arg  string `json:"arg,omitempty"`
	} `json:"tests,omitempty"`
}

// CompileFreeform asks the planner LLM for a node list and normalizes the
// reply into a plan sized for the classification. The neighborHint, when
// non-empty, is prior-run context from the k-line store. Both LLM failure
// and an unparseable reply are errors; the caller decides the fallback.
func CompileFreeform(ctx context.Context, llm backend.PlannerLLM, query string,
	class types.Classification, neighborHint string) (*types.Plan, error) {

	log := logging.Get(logging.CategoryPlanner)
	min, max := class.Kind.SizeBounds()

	var hint string
	if neighborHint != "" {
		hint = "\n\nContext from prior similar runs:\n" + neighborHint
	}
	prompt := fmt.Sprintf(
		"Design a plan of %d to %d markdown sections answering the query below. "+
			"Reply with one JSON object {\"nodes\": [{\"name\": slug, \"tmpl\": one of %s, "+
			"\"deps\": [earlier node names], \"role\": \"backbone\"|\"adjunct\", "+
			"\"section\": title}]}. Dependencies may only reference earlier nodes. "+
			"The last node must be a backbone node synthesizing the answer.%s\n\nQuery: %s",
		min, max, strings.Join(TemplateIDs(), "|"), hint, query)

	reply, err := llm.Complete(ctx, prompt, 0.3, 45*time.Second)
	if err != nil {
		return nil, &types.PlanningError{Reason: "planner llm failed", Err: err}
	}
	blob, ok := textutil.ExtractFirstJSON(textutil.StripFences(reply))
	if !ok {
		return nil, &types.PlanningError{Reason: "planner reply had no JSON"}
	}
	var parsed struct {
		Nodes []freeformNode `json:"nodes"`
	}
	if err := json.Unmarshal([]byte(blob), &parsed); err != nil {
		return nil, &types.PlanningError{Reason: "planner reply malformed", Err: err}
	}
	if len(parsed.Nodes) == 0 {
		return nil, &types.PlanningError{Reason: "planner reply had no nodes"}
	}

	plan := &types.Plan{}
	seen := map[string]bool{}
	for _, fn := range parsed.Nodes {
		name := types.Slugify(fn.Name)
		if name == "" || seen[name] {
			log.Debug("freeform: skipping node %q (empty or duplicate)", fn.Name)
			continue
		}
		seen[name] = true

		var deps []string
		for _, d := range fn.Deps {
			slug := types.Slugify(d)
			// Forward references and self-loops are stripped here;
			// only already-seen names survive.
			if slug == name || !seen[slug] {
				continue
			}
			deps = append(deps, slug)
		}

		tmpl := strings.ToUpper(strings.TrimSpace(fn.Tmpl))
		if !KnownTemplate(tmpl) {
			tmpl = "GENERIC"
		}
		role := types.RoleAdjunct
		if strings.EqualFold(fn.Role, string(types.RoleBackbone)) {
			role = types.RoleBackbone
		}
		section := strings.TrimSpace(fn.Section)
		if section == "" {
			section = types.TitleCase(name)
		}
		var extra []types.ContractTest
		for _, t := range fn.Tests {
			switch types.TestKind(t.Kind) {
			case types.TestRegex, types.TestContains, types.TestWordCountMin:
				extra = append(extra, types.ContractTest{Kind: types.TestKind(t.Kind), Arg: t.Arg})
			}
		}

		plan.Nodes = append(plan.Nodes, types.Node{
			Name:     name,
			Tmpl:     tmpl,
			Deps:     deps,
			Role:     role,
			Contract: types.NewContract(section, extra...),
		})
	}
	if len(plan.Nodes) == 0 {
		return nil, &types.PlanningError{Reason: "no usable nodes after normalization"}
	}

	// The answer spine must exist: without any backbone the last node is
	// promoted.
	hasBackbone := false
	for _, n := range plan.Nodes {
		if n.Role == types.RoleBackbone {
			hasBackbone = true
			break
		}
	}
	if !hasBackbone {
		plan.Nodes[len(plan.Nodes)-1].Role = types.RoleBackbone
	}

	trimToBounds(plan, class.Kind)
	return plan, nil
}
