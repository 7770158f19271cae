package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"reasonerd/internal/backend"
	"reasonerd/internal/types"
)

func TestHeuristicClassify(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  types.ClassKind
	}{
		{"simple question", "What is 2+2?", types.KindAtomic},
		{"multiple deliverables", "Compare PostgreSQL and MySQL and design a migration plan", types.KindHybrid},
		{"single deliverable", "Write a summary of the meeting notes", types.KindAtomic},
		{"phased request", "First research the market, then draft a strategy report, finally outline next steps", types.KindComposite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HeuristicClassify(tt.query)
			if got.Kind != tt.want {
				t.Errorf("HeuristicClassify(%q) = %s, want kind %s", tt.query, got, tt.want)
			}
			if got.Score < 0 || got.Score > 1 {
				t.Errorf("score out of range: %v", got.Score)
			}
		})
	}
}

func TestLLMClassify(t *testing.T) {
	ctx := context.Background()

	t.Run("valid verdict", func(t *testing.T) {
		p := backend.NewMockPlanner()
		p.CompleteFunc = func(ctx context.Context, prompt string, temp float64) (string, error) {
			return `{"kind": "hybrid", "score": 0.4}`, nil
		}
		got := LLMClassify(ctx, p, "whatever")
		if got.Kind != types.KindHybrid || got.Score != 0.4 {
			t.Errorf("got %s", got)
		}
	})

	t.Run("garbage falls back to heuristic", func(t *testing.T) {
		p := backend.NewMockPlanner()
		p.CompleteFunc = func(ctx context.Context, prompt string, temp float64) (string, error) {
			return "not json", nil
		}
		got := LLMClassify(ctx, p, "What is 2+2?")
		if got.Kind != types.KindAtomic {
			t.Errorf("fallback = %s, want atomic", got)
		}
	})

	t.Run("llm error falls back to heuristic", func(t *testing.T) {
		p := backend.NewMockPlanner()
		p.Err = errors.New("down")
		got := LLMClassify(ctx, p, "What is 2+2?")
		if got.Kind != types.KindAtomic {
			t.Errorf("fallback = %s, want atomic", got)
		}
	})

	t.Run("atomic verdict nudged on broad cues", func(t *testing.T) {
		p := backend.NewMockPlanner()
		p.CompleteFunc = func(ctx context.Context, prompt string, temp float64) (string, error) {
			return `{"kind": "atomic", "score": 0.05}`, nil
		}
		got := LLMClassify(ctx, p, "Compare the two designs and write an analysis report with a plan")
		if got.Kind != types.KindAtomic {
			t.Fatalf("kind overruled: %s", got)
		}
		if got.Score <= 0.05 {
			t.Errorf("score not nudged: %v", got.Score)
		}
	})
}

func TestValidateCycleRepair(t *testing.T) {
	// A and B depend on each other; both lose their deps so the scheduler
	// can run them concurrently, with plan order intact.
	plan := &types.Plan{Nodes: []types.Node{
		{Name: "a", Deps: []string{"b"}, Role: types.RoleBackbone, Contract: types.NewContract("A")},
		{Name: "b", Deps: []string{"a"}, Role: types.RoleBackbone, Contract: types.NewContract("B")},
	}}
	if err := Validate(plan, types.Classification{Kind: types.KindHybrid}); err != nil {
		t.Fatal(err)
	}
	if len(plan.Nodes) != 2 || plan.Nodes[0].Name != "a" || plan.Nodes[1].Name != "b" {
		t.Fatalf("plan order changed: %v", plan.Names())
	}
	if len(plan.Nodes[0].Deps) != 0 {
		t.Errorf("a deps = %v, want none", plan.Nodes[0].Deps)
	}
	if len(plan.Nodes[1].Deps) != 0 {
		t.Errorf("b deps = %v, want none", plan.Nodes[1].Deps)
	}
}

func TestValidateDropsForwardRefs(t *testing.T) {
	// No cycle, just a dep pointing at a later node: it goes away and the
	// later node keeps running after the nodes it genuinely follows.
	plan := &types.Plan{Nodes: []types.Node{
		{Name: "early", Deps: []string{"late"}, Role: types.RoleBackbone, Contract: types.NewContract("Early")},
		{Name: "late", Role: types.RoleBackbone, Contract: types.NewContract("Late")},
		{Name: "tail", Deps: []string{"late"}, Role: types.RoleAdjunct, Contract: types.NewContract("Tail")},
	}}
	if err := Validate(plan, types.Classification{Kind: types.KindHybrid}); err != nil {
		t.Fatal(err)
	}
	if len(plan.Nodes[0].Deps) != 0 {
		t.Errorf("early deps = %v, want none", plan.Nodes[0].Deps)
	}
	if len(plan.Nodes[2].Deps) != 1 || plan.Nodes[2].Deps[0] != "late" {
		t.Errorf("tail deps = %v, want [late]", plan.Nodes[2].Deps)
	}
}

func TestValidateScrubsAndBounds(t *testing.T) {
	plan := &types.Plan{Nodes: []types.Node{
		{Name: "x", Deps: []string{"x", "ghost"}, Role: types.RoleBackbone, Contract: types.NewContract("X")},
		{Name: "x", Role: types.RoleAdjunct, Contract: types.NewContract("Dup")},
		{Name: "y", Deps: []string{"x"}, Role: types.RoleBackbone, Contract: types.NewContract("Y")},
	}}
	if err := Validate(plan, types.Classification{Kind: types.KindHybrid}); err != nil {
		t.Fatal(err)
	}
	if len(plan.Nodes) != 2 {
		t.Fatalf("duplicate not dropped: %v", plan.Names())
	}
	if len(plan.Nodes[0].Deps) != 0 {
		t.Errorf("self-loop/unknown deps survived: %v", plan.Nodes[0].Deps)
	}

	small := &types.Plan{Nodes: []types.Node{
		{Name: "only", Role: types.RoleBackbone, Contract: types.NewContract("Only")},
	}}
	err := Validate(small, types.Classification{Kind: types.KindComposite})
	var perr *types.PlanningError
	if !errors.As(err, &perr) {
		t.Errorf("undersized composite plan should fail, got %v", err)
	}

	if err := Validate(&types.Plan{}, types.Classification{Kind: types.KindAtomic}); err == nil {
		t.Error("empty plan should fail")
	}
}

func TestParseMissionTolerant(t *testing.T) {
	raw := `{
		"Query_Context": "compare storage engines",
		"Strategy": [
			{
				"OBJECTIVE": "Survey the engines",
				"Queries": {"Q1": "which engines matter?", "Q2": "what workloads?"},
				"Tactics": [
					{"t1": "collect engine facts", "expected_artifact": "facts.md"},
					{"t2": "draft comparison", "dependencies": ["facts.md"], "expected_artifact": "draft.md"},
					{"dependencies": ["facts.md"]}
				]
			},
			{"objective": "Recommend one engine"}
		]
	}`
	m, err := ParseMission(raw)
	if err != nil {
		t.Fatal(err)
	}
	if m.QueryContext != "compare storage engines" {
		t.Errorf("query_context = %q", m.QueryContext)
	}
	if len(m.Stages) != 2 {
		t.Fatalf("stages = %d", len(m.Stages))
	}
	if len(m.Stages[0].Tactics) != 2 {
		t.Errorf("malformed tactic not dropped: %+v", m.Stages[0].Tactics)
	}
	if m.Stages[0].Tactics[1].Dependencies[0] != "facts.md" {
		t.Errorf("tactic deps = %v", m.Stages[0].Tactics[1].Dependencies)
	}

	if _, err := ParseMission("not json"); err == nil {
		t.Error("malformed mission should fail")
	}
	if _, err := ParseMission(`{"strategy": []}`); err == nil {
		t.Error("empty mission should fail")
	}
}

func TestCompileMission(t *testing.T) {
	m := &Mission{Stages: []MissionStage{
		{
			Objective: "Survey the storage engines in production use",
			Queries:   map[string]string{"Q1": "which engines matter?"},
			Tactics: []MissionTactic{
				{Name: "t1", Description: "collect engine facts", ExpectedArtifact: "facts.md"},
				{Name: "t2", Description: "draft the comparison", Dependencies: []string{"facts.md"}, ExpectedArtifact: "draft.md"},
				{Name: "t3", Description: "polish the comparison", Dependencies: []string{"o1_t2"}},
			},
		},
	}}
	plan := CompileMission(m)

	idx := map[string]types.Node{}
	for _, n := range plan.Nodes {
		idx[n.Name] = n
	}

	// Tactic dependency rewired from artifact name to producing node.
	t2 := idx["o1_t2"]
	foundFacts := false
	for _, d := range t2.Deps {
		if d == "o1_t1" {
			foundFacts = true
		}
		if strings.HasSuffix(d, ".md") {
			t.Errorf("artifact name leaked into deps: %v", t2.Deps)
		}
	}
	if !foundFacts {
		t.Errorf("t2 deps = %v, want o1_t1", t2.Deps)
	}
	if t2.Contract.Section() != "Draft" {
		t.Errorf("t2 section = %q", t2.Contract.Section())
	}

	// A dep naming a prior tactic node is kept verbatim.
	t3 := idx["o1_t3"]
	if len(t3.Deps) != 1 || t3.Deps[0] != "o1_t2" {
		t.Errorf("t3 deps = %v, want [o1_t2]", t3.Deps)
	}

	obj := idx["o1_objective"]
	if obj.Role != types.RoleBackbone {
		t.Errorf("objective role = %s", obj.Role)
	}
	if !strings.HasPrefix(obj.Contract.Section(), "O1: ") {
		t.Errorf("objective section = %q", obj.Contract.Section())
	}
	depSet := map[string]bool{}
	for _, d := range obj.Deps {
		depSet[d] = true
	}
	if !depSet["o1_t1"] || !depSet["o1_t2"] || !depSet["o1_t3"] {
		t.Errorf("objective deps = %v", obj.Deps)
	}
	// The queries node feeds the objective directly.
	if !depSet["o1_queries"] {
		t.Errorf("objective missing queries dep: %v", obj.Deps)
	}

	final := plan.Nodes[len(plan.Nodes)-1]
	if final.Name != "final_synthesis" || final.Role != types.RoleBackbone {
		t.Fatalf("final node = %+v", final)
	}
	if len(final.Deps) != 1 || final.Deps[0] != "o1_objective" {
		t.Errorf("final deps = %v", final.Deps)
	}

	if err := Validate(plan, types.Classification{Kind: types.KindComposite}); err != nil {
		t.Errorf("compiled mission plan invalid: %v", err)
	}
}

func TestCompileCQAP(t *testing.T) {
	t.Run("atomic", func(t *testing.T) {
		plan := CompileCQAP(map[string]string{"goal": "answer directly"}, types.KindAtomic)
		if len(plan.Nodes) != 1 || plan.Nodes[0].Name != "finalanswer" {
			t.Fatalf("plan = %v", plan.Names())
		}
		if plan.Nodes[0].Role != types.RoleBackbone {
			t.Error("atomic node must be backbone")
		}
	})

	t.Run("hybrid trims to bounds", func(t *testing.T) {
		slots := map[string]string{
			"goal": "g", "obstacles": "o", "facts": "f",
			"precision": "p", "tone_analysis": "t",
		}
		plan := CompileCQAP(slots, types.KindHybrid)
		if len(plan.Nodes) > 4 {
			t.Fatalf("hybrid plan too large: %v", plan.Names())
		}
		last := plan.Nodes[len(plan.Nodes)-1]
		if last.Name != "finalanswer" {
			t.Errorf("last node = %s", last.Name)
		}
		if err := Validate(plan, types.Classification{Kind: types.KindHybrid}); err != nil {
			t.Error(err)
		}
	})

	t.Run("composite tiers", func(t *testing.T) {
		slots := map[string]string{
			"goal": "g", "obstacles": "o", "facts": "f",
			"insights": "i", "knowledge_gaps": "k",
			"uncertainty": "u", "response_strategy": "r",
		}
		plan := CompileCQAP(slots, types.KindComposite)
		idx := map[string]types.Node{}
		for _, n := range plan.Nodes {
			idx[n.Name] = n
		}
		// Tier-1 backbone chain.
		if got := idx["obstacles"].Deps; len(got) != 1 || got[0] != "goal" {
			t.Errorf("obstacles deps = %v", got)
		}
		if got := idx["facts"].Deps; len(got) != 1 || got[0] != "obstacles" {
			t.Errorf("facts deps = %v", got)
		}
		// Tier 2 threads off facts.
		if got := idx["insights"].Deps; len(got) != 1 || got[0] != "facts" {
			t.Errorf("insights deps = %v", got)
		}
		if got := idx["knowledgegaps"].Deps; len(got) != 1 || got[0] != "insights" {
			t.Errorf("knowledgegaps deps = %v", got)
		}
		// Tier 3 depends on facts plus the chain end.
		uDeps := map[string]bool{}
		for _, d := range idx["uncertainty"].Deps {
			uDeps[d] = true
		}
		if !uDeps["facts"] || !uDeps["knowledgegaps"] {
			t.Errorf("uncertainty deps = %v", idx["uncertainty"].Deps)
		}
		final := plan.Nodes[len(plan.Nodes)-1]
		if final.Name != "finalanswer" || len(final.Deps) != len(plan.Nodes)-1 {
			t.Errorf("final = %+v", final)
		}
		if err := Validate(plan, types.Classification{Kind: types.KindComposite}); err != nil {
			t.Error(err)
		}
	})
}

func TestExtractCQAPRepairRetry(t *testing.T) {
	p := backend.NewMockPlanner()
	p.CompleteFunc = func(ctx context.Context, prompt string, temp float64) (string, error) {
		if strings.Contains(prompt, "previous reply was invalid") {
			return `{"goal": "repaired goal", "facts": "some facts"}`, nil
		}
		return "no json here", nil
	}
	slots, err := ExtractCQAP(context.Background(), p, "query")
	if err != nil {
		t.Fatal(err)
	}
	if slots["goal"] != "repaired goal" {
		t.Errorf("slots = %v", slots)
	}
	if p.CallCount() != 2 {
		t.Errorf("calls = %d, want 2", p.CallCount())
	}

	bad := backend.NewMockPlanner()
	bad.CompleteFunc = func(ctx context.Context, prompt string, temp float64) (string, error) {
		return "still not json", nil
	}
	if _, err := ExtractCQAP(context.Background(), bad, "query"); err == nil {
		t.Error("double failure should surface an error")
	}
}

func TestCompileFreeform(t *testing.T) {
	ctx := context.Background()
	class := types.Classification{Kind: types.KindHybrid, Score: 0.4}

	t.Run("normalizes the reply", func(t *testing.T) {
		p := backend.NewMockPlanner()
		p.CompleteFunc = func(ctx context.Context, prompt string, temp float64) (string, error) {
			return `Here is the plan:
{"nodes": [
	{"name": "Gather Facts", "tmpl": "FACTS", "deps": ["answer"], "role": "adjunct"},
	{"name": "answer", "tmpl": "NOPE", "deps": ["gather_facts", "answer"], "role": "backbone", "section": "Answer"}
]}`, nil
		}
		plan, err := CompileFreeform(ctx, p, "q", class, "")
		if err != nil {
			t.Fatal(err)
		}
		if len(plan.Nodes) != 2 {
			t.Fatalf("plan = %v", plan.Names())
		}
		if plan.Nodes[0].Name != "gather_facts" {
			t.Errorf("name not slugified: %s", plan.Nodes[0].Name)
		}
		// Forward ref on the first node stripped.
		if len(plan.Nodes[0].Deps) != 0 {
			t.Errorf("forward ref survived: %v", plan.Nodes[0].Deps)
		}
		answer := plan.Nodes[1]
		if answer.Tmpl != "GENERIC" {
			t.Errorf("unknown tmpl not coerced: %s", answer.Tmpl)
		}
		if len(answer.Deps) != 1 || answer.Deps[0] != "gather_facts" {
			t.Errorf("deps = %v (self-loop must be gone)", answer.Deps)
		}
		if err := Validate(plan, class); err != nil {
			t.Error(err)
		}
	})

	t.Run("promotes a backbone", func(t *testing.T) {
		p := backend.NewMockPlanner()
		p.CompleteFunc = func(ctx context.Context, prompt string, temp float64) (string, error) {
			return `{"nodes": [{"name": "a", "role": "adjunct"}, {"name": "b", "role": "adjunct"}]}`, nil
		}
		plan, err := CompileFreeform(ctx, p, "q", class, "")
		if err != nil {
			t.Fatal(err)
		}
		if plan.Nodes[len(plan.Nodes)-1].Role != types.RoleBackbone {
			t.Error("no backbone promoted")
		}
	})

	t.Run("passes the neighbor hint", func(t *testing.T) {
		var sawPrompt string
		p := backend.NewMockPlanner()
		p.CompleteFunc = func(ctx context.Context, prompt string, temp float64) (string, error) {
			sawPrompt = prompt
			return `{"nodes": [{"name": "a", "role": "backbone"}, {"name": "b", "role": "backbone"}]}`, nil
		}
		if _, err := CompileFreeform(ctx, p, "q", class, "Prior similar runs: 2"); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(sawPrompt, "Prior similar runs: 2") {
			t.Error("neighbor hint not in prompt")
		}
	})

	t.Run("llm failure is a planning error", func(t *testing.T) {
		p := backend.NewMockPlanner()
		p.Err = fmt.Errorf("backend down")
		_, err := CompileFreeform(ctx, p, "q", class, "")
		var perr *types.PlanningError
		if !errors.As(err, &perr) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("junk reply is a planning error", func(t *testing.T) {
		p := backend.NewMockPlanner()
		p.CompleteFunc = func(ctx context.Context, prompt string, temp float64) (string, error) {
			return "no json", nil
		}
		if _, err := CompileFreeform(ctx, p, "q", class, ""); err == nil {
			t.Error("expected error")
		}
	})
}

func TestTemplates(t *testing.T) {
	if !KnownTemplate("generic") || !KnownTemplate("ANALYSIS") {
		t.Error("known templates not recognized")
	}
	if KnownTemplate("BOGUS") {
		t.Error("unknown template recognized")
	}
	if Template("BOGUS") != Template("GENERIC") {
		t.Error("unknown id must resolve to GENERIC")
	}
	for _, id := range TemplateIDs() {
		body := Template(id)
		for _, ph := range []string{"{query}", "{section}"} {
			if !strings.Contains(body, ph) {
				t.Errorf("template %s missing placeholder %s", id, ph)
			}
		}
	}
}

func TestSingleNodePlan(t *testing.T) {
	plan := SingleNodePlan()
	if len(plan.Nodes) != 1 {
		t.Fatal("single node plan must have one node")
	}
	n := plan.Nodes[0]
	if n.Name != "answer" || n.Role != types.RoleBackbone || n.Contract.Section() != "Answer" {
		t.Errorf("node = %+v", n)
	}
	if err := Validate(plan, types.Classification{Kind: types.KindAtomic}); err != nil {
		t.Error(err)
	}
}
