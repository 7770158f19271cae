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
// CQAP PLAN COMPILER
// =============================================================================
//
// CQAP (Comprehensive Question Analysis Protocol) decomposes a query into
// named analysis slots before any content is written. Slots come either
// from an LLM extraction pass or from a cheap heuristic; the compiler then
// lowers whichever slots are present into a tiered plan.

// Slot tiers. Tier 1 is always eligible; tier 2 joins for composite
// queries as a linear chain; tier 3 closes the analysis before the final
// answer.
var (
	tier1Backbone = []string{"goal", "obstacles", "facts"}
	tier1Adjuncts = []string{"precision", "toneanalysis"}
	tier2Slots    = []string{
		"insights", "structuralrelationships", "boundaryanalysis",
		"embeddedassumptions", "knowledgegaps", "factreflectionseparation",
	}
	tier3Slots = []string{"uncertainty", "responsestrategy", "rationale"}
)

var slotSections = map[string]string{
	"goal":                     "Goal",
	"obstacles":                "Obstacles",
	"facts":                    "Facts",
	"precision":                "Precision",
	"toneanalysis":             "Tone Analysis",
	"insights":                 "Insights",
	"structuralrelationships":  "Structural Relationships",
	"boundaryanalysis":         "Boundary Analysis",
	"embeddedassumptions":      "Embedded Assumptions",
	"knowledgegaps":            "Knowledge Gaps",
	"factreflectionseparation": "Fact Reflection Separation",
	"uncertainty":              "Uncertainty",
	"responsestrategy":         "Response Strategy",
	"rationale":                "Rationale",
}

// normalizeSlotKey lowers a slot name to its canonical form: lowercase
// alphanumerics only, so "Tone Analysis", "tone_analysis" and
// "toneAnalysis" all land on "toneanalysis".
func normalizeSlotKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(k) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeSlots canonicalizes slot keys and drops empty values.
func NormalizeSlots(raw map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range raw {
		key := normalizeSlotKey(k)
		v = strings.TrimSpace(v)
		if key == "" || v == "" {
			continue
		}
		if _, known := slotSections[key]; known {
			out[key] = v
		}
	}
	return out
}

// HeuristicSlots fabricates a minimal slot set when no LLM extraction is
// available. The query itself is the goal; the other slots prompt the
// solver to derive their content.
func HeuristicSlots(query string, kind types.ClassKind) map[string]string {
	slots := map[string]string{"goal": query}
	if kind == types.KindAtomic {
		return slots
	}
	slots["facts"] = "Identify the facts needed to answer: " + query
	slots["obstacles"] = "Identify what makes this hard to answer well: " + query
	return slots
}

// ExtractCQAP asks the planner LLM to fill the slot schema, retrying once
// with the parse error appended when the first reply is malformed.
func ExtractCQAP(ctx context.Context, llm backend.PlannerLLM, query string) (map[string]string, error) {
	prompt := fmt.Sprintf(
		"Decompose the query below into analysis slots. Reply with one JSON object whose "+
			"keys are a subset of [goal, obstacles, facts, precision, tone_analysis, insights, "+
			"structural_relationships, boundary_analysis, embedded_assumptions, knowledge_gaps, "+
			"fact_reflection_separation, uncertainty, response_strategy, rationale] and whose "+
			"values are short strings. Always include \"goal\".\n\nQuery: %s", query)

	slots, err := extractSlotsOnce(ctx, llm, prompt)
	if err == nil {
		return slots, nil
	}
	logging.PlannerDebug("cqap extraction failed, retrying with repair hint: %v", err)
	repair := prompt + fmt.Sprintf(
		"\n\nYour previous reply was invalid (%v). Reply with ONLY the JSON object.", err)
	return extractSlotsOnce(ctx, llm, repair)
}

func extractSlotsOnce(ctx context.Context, llm backend.PlannerLLM, prompt string) (map[string]string, error) {
	reply, err := llm.Complete(ctx, prompt, 0.2, 30*time.Second)
	if err != nil {
		return nil, err
	}
	blob, ok := textutil.ExtractFirstJSON(textutil.StripFences(reply))
	if !ok {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(blob), &raw); err != nil {
		return nil, fmt.Errorf("slot JSON malformed: %w", err)
	}
	slots := NormalizeSlots(raw)
	if _, ok := slots["goal"]; !ok {
		return nil, fmt.Errorf("extraction missing goal slot")
	}
	return slots, nil
}

// CompileCQAP lowers the present slots into a plan sized for the
// classification kind:
//
//   - atomic: a single finalanswer backbone carrying the goal;
//   - hybrid: the tier-1 backbone chain (goal, obstacles, facts) with
//     precision/toneanalysis adjuncts hanging off goal;
//   - composite: tier 2 threads linearly off facts, tier 3 depends on
//     facts plus the end of the tier-2 chain;
//
// closed by a finalanswer backbone depending on every prior node.
func CompileCQAP(slots map[string]string, kind types.ClassKind) *types.Plan {
	slots = NormalizeSlots(slots)
	plan := &types.Plan{}

	if kind == types.KindAtomic {
		plan.Nodes = append(plan.Nodes, types.Node{
			Name: "finalanswer",
			Tmpl: "GENERIC",
			Role: types.RoleBackbone,
			Contract: types.NewContract("Answer",
				types.ContractTest{Kind: types.TestWordCountMin, Arg: "40"}),
			PromptOverride: slots["goal"],
		})
		return plan
	}

	addSlot := func(slot string, role types.Role, deps []string) string {
		text, ok := slots[slot]
		if !ok {
			return ""
		}
		plan.Nodes = append(plan.Nodes, types.Node{
			Name:           slot,
			Tmpl:           "GENERIC",
			Deps:           deps,
			Role:           role,
			Contract:       types.NewContract(slotSections[slot]),
			PromptOverride: text,
		})
		return slot
	}

	// Tier 1 backbone chain.
	var prev string
	for _, slot := range tier1Backbone {
		var deps []string
		if prev != "" {
			deps = []string{prev}
		}
		if added := addSlot(slot, types.RoleBackbone, deps); added != "" {
			prev = added
		}
	}
	lastBackbone := prev

	if _, hasGoal := slots["goal"]; hasGoal {
		for _, slot := range tier1Adjuncts {
			addSlot(slot, types.RoleAdjunct, []string{"goal"})
		}
	}

	if kind == types.KindComposite {
		// Tier 2 threads linearly off the backbone.
		chain := lastBackbone
		for _, slot := range tier2Slots {
			var deps []string
			if chain != "" {
				deps = []string{chain}
			}
			if added := addSlot(slot, types.RoleAdjunct, deps); added != "" {
				chain = added
			}
		}
		tier3Deps := []string{}
		if _, ok := slots["facts"]; ok {
			tier3Deps = append(tier3Deps, "facts")
		}
		if chain != "" && chain != lastBackbone {
			tier3Deps = append(tier3Deps, chain)
		}
		for _, slot := range tier3Slots {
			addSlot(slot, types.RoleAdjunct, append([]string{}, tier3Deps...))
		}
	}

	final := types.Node{
		Name: "finalanswer",
		Tmpl: "SYNTHESIS",
		Role: types.RoleBackbone,
		Contract: types.NewContract("Final Answer",
			types.ContractTest{Kind: types.TestWordCountMin, Arg: "120"}),
	}
	for _, n := range plan.Nodes {
		final.Deps = append(final.Deps, n.Name)
	}
	plan.Nodes = append(plan.Nodes, final)

	trimToBounds(plan, kind)
	return plan
}
