package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"reasonerd/internal/backend"
	"reasonerd/internal/config"
	"reasonerd/internal/judges"
	"reasonerd/internal/types"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Execution.Concurrent = 2
	cfg.Execution.MaxRounds = 2
	cfg.Execution.NodeTimeout = 5 * time.Second
	cfg.Execution.JudgeTimeout = time.Second
	cfg.Hedge.Enable = false
	return cfg
}

func newTestExecutor(t *testing.T, cfg *config.Config, solver backend.Solver, opts Options) *Executor {
	t.Helper()
	if opts.Query == "" {
		opts.Query = "What is 2+2?"
	}
	if opts.RunID == "" {
		opts.RunID = "test"
	}
	reg := judges.NewRegistry(cfg.Execution.JudgeTimeout, nil, nil)
	return New(cfg, solver, reg, nil, opts)
}

func TestBlackboardWriteOnce(t *testing.T) {
	b := NewBlackboard()
	if err := b.Put(&types.Artifact{Node: "a", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	err := b.Put(&types.Artifact{Node: "a"})
	var berr *types.BlackboardError
	if !errors.As(err, &berr) {
		t.Errorf("duplicate put: %v", err)
	}
	if err := b.Put(&types.Artifact{}); err == nil {
		t.Error("unnamed artifact accepted")
	}
	if got, ok := b.Get("a"); !ok || got.Content != "x" {
		t.Errorf("get = %+v, %v", got, ok)
	}
	if names := b.Names(); len(names) != 1 || names[0] != "a" {
		t.Errorf("names = %v", names)
	}
}

func TestBudgetCaps(t *testing.T) {
	b := NewBudget(config.BudgetConfig{MaxTokensPerNode: 100, MaxTokensPerRun: 250})

	if err := b.Charge("a", 90); err != nil {
		t.Fatal(err)
	}
	err := b.Charge("a", 20)
	var ee *types.ExecutionError
	if !errors.As(err, &ee) || !ee.BudgetExhausted || !errors.Is(err, ErrNodeBudget) {
		t.Errorf("node cap: %v", err)
	}

	if err := b.Charge("b", 90); err != nil {
		t.Fatal(err)
	}
	err = b.Charge("c", 90)
	if !errors.As(err, &ee) || !errors.Is(err, ErrRunBudget) {
		t.Errorf("run cap: %v", err)
	}
	if b.RunUsed() != 290 {
		t.Errorf("spend not recorded through trips: %d", b.RunUsed())
	}
}

func TestHedgeSecondRequestWins(t *testing.T) {
	cfg := testConfig()
	cfg.Hedge.Enable = true
	cfg.Hedge.Delay = 20 * time.Millisecond

	solver := backend.NewMockSolver()
	solver.SolveFunc = func(ctx context.Context, task string, sc map[string]interface{}) (backend.SolverResult, error) {
		if hedged, _ := sc["hedge"].(bool); hedged {
			return backend.SolverResult{Text: "hedge"}, nil
		}
		select {
		case <-ctx.Done():
			return backend.SolverResult{}, &backend.TimeoutError{Op: "solve", Err: ctx.Err()}
		case <-time.After(500 * time.Millisecond):
			return backend.SolverResult{Text: "primary"}, nil
		}
	}
	e := newTestExecutor(t, cfg, solver, Options{})

	res, err := e.hedgedSolve(context.Background(), "task", map[string]interface{}{"node": "n"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hedge" {
		t.Errorf("winner = %q, want hedge", res.Text)
	}
	if n := solver.CallCount(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestHedgeDisabledSingleCall(t *testing.T) {
	solver := backend.NewMockSolver()
	e := newTestExecutor(t, testConfig(), solver, Options{})
	if _, err := e.hedgedSolve(context.Background(), "task", map[string]interface{}{}); err != nil {
		t.Fatal(err)
	}
	if n := solver.CallCount(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestExecutePassSingleNode(t *testing.T) {
	e := newTestExecutor(t, testConfig(), backend.NewMockSolver(), Options{})
	plan := &types.Plan{Nodes: []types.Node{{
		Name: "answer", Tmpl: "GENERIC", Role: types.RoleBackbone,
		Contract: types.NewContract("Answer"),
	}}}

	if err := e.ExecutePass(context.Background(), plan, nil, "full"); err != nil {
		t.Fatal(err)
	}
	art, ok := e.Board().Get("answer")
	if !ok {
		t.Fatal("artifact missing")
	}
	if art.Status != types.StatusOK {
		t.Errorf("status = %s (qa: %+v)", art.Status, art.QA)
	}
	if !strings.Contains(art.Content, "## Answer") || !strings.Contains(art.Content, "What is 2+2?") {
		t.Errorf("content = %q", art.Content)
	}
	if art.Tokens <= 0 {
		t.Error("tokens not accounted")
	}
}

func TestImproveLoopPatchesMissingHeader(t *testing.T) {
	cfg := testConfig()
	solver := backend.NewMockSolver()
	solver.SolveFunc = func(ctx context.Context, task string, sc map[string]interface{}) (backend.SolverResult, error) {
		if mode, _ := sc["mode"].(string); mode != "node" {
			return backend.SolverResult{Text: ""}, nil
		}
		return backend.SolverResult{Text: "a perfectly reasonable body of text that simply forgot its heading entirely today"}, nil
	}

	var mu sync.Mutex
	patched := map[types.PatchKind]int{}
	e := newTestExecutor(t, cfg, solver, Options{
		RecordPatch: func(kind types.PatchKind, ok bool) {
			mu.Lock()
			defer mu.Unlock()
			if ok {
				patched[kind]++
			}
		},
	})
	plan := &types.Plan{Nodes: []types.Node{{
		Name: "answer", Role: types.RoleBackbone, Contract: types.NewContract("Answer"),
	}}}
	if err := e.ExecutePass(context.Background(), plan, nil, "full"); err != nil {
		t.Fatal(err)
	}

	art, _ := e.Board().Get("answer")
	if art.Status != types.StatusOK {
		t.Fatalf("status = %s", art.Status)
	}
	if !strings.HasPrefix(art.Content, "## Answer") {
		t.Errorf("header not inserted:\n%s", art.Content)
	}
	if art.Rounds != 1 {
		t.Errorf("rounds = %d, patch path should resolve in one round", art.Rounds)
	}
	mu.Lock()
	defer mu.Unlock()
	if patched[types.PatchInsertHeader] == 0 {
		t.Error("insert_header patch not recorded")
	}
}

func TestImproveLoopRewritesWithConstraints(t *testing.T) {
	cfg := testConfig()
	solver := backend.NewMockSolver()
	long := strings.Repeat("supporting detail with substance ", 10)
	solver.SolveFunc = func(ctx context.Context, task string, sc map[string]interface{}) (backend.SolverResult, error) {
		if mode, _ := sc["mode"].(string); mode != "node" {
			return backend.SolverResult{Text: ""}, nil
		}
		if round, _ := sc["round"].(int); round >= 2 {
			return backend.SolverResult{Text: "## Answer\n\nbeta " + long}, nil
		}
		return backend.SolverResult{Text: "## Answer\n\nalpha " + long}, nil
	}
	e := newTestExecutor(t, cfg, solver, Options{})

	plan := &types.Plan{Nodes: []types.Node{{
		Name: "answer", Role: types.RoleBackbone,
		Contract: types.NewContract("Answer", types.ContractTest{Kind: types.TestContains, Arg: "beta"}),
	}}}
	if err := e.ExecutePass(context.Background(), plan, nil, "full"); err != nil {
		t.Fatal(err)
	}

	art, _ := e.Board().Get("answer")
	if art.Status != types.StatusOK {
		t.Fatalf("status = %s (qa %+v)", art.Status, art.QA)
	}
	if art.Rounds != 2 {
		t.Errorf("rounds = %d, want 2", art.Rounds)
	}

	var secondDraft string
	for _, call := range solver.Calls() {
		if mode, _ := call.Ctx["mode"].(string); mode != "node" {
			continue
		}
		if round, _ := call.Ctx["round"].(int); round == 2 {
			secondDraft = call.Task
		}
	}
	if !strings.Contains(secondDraft, "Iterative Constraints") {
		t.Errorf("rewrite prompt missing constraints:\n%s", secondDraft)
	}
	if !strings.Contains(secondDraft, "missing substring") {
		t.Errorf("constraint detail missing:\n%s", secondDraft)
	}
}

func TestFailedNodeBypassedAndRewired(t *testing.T) {
	cfg := testConfig()
	solver := backend.NewMockSolver()
	solver.FailNodes = map[string]int{"y": 10}
	e := newTestExecutor(t, cfg, solver, Options{})

	plan := &types.Plan{Nodes: []types.Node{
		{Name: "x", Role: types.RoleBackbone, Contract: types.NewContract("X")},
		{Name: "y", Role: types.RoleBackbone, Deps: []string{"x"}, Contract: types.NewContract("Y")},
		{Name: "z", Role: types.RoleBackbone, Deps: []string{"y"}, Contract: types.NewContract("Z")},
	}}
	if err := e.ExecutePass(context.Background(), plan, nil, "full"); err != nil {
		t.Fatal(err)
	}

	y, _ := e.Board().Get("y")
	if y.Status != types.StatusBypassed || y.Content != "" {
		t.Errorf("y = %+v", y)
	}
	z, _ := e.Board().Get("z")
	if z.Status != types.StatusOK {
		t.Errorf("z status = %s", z.Status)
	}
	zi := plan.Index("z")
	if len(plan.Nodes[zi].Deps) != 1 || plan.Nodes[zi].Deps[0] != "x" {
		t.Errorf("z deps = %v, want [x]", plan.Nodes[zi].Deps)
	}
}

func TestRunBudgetAbortsPass(t *testing.T) {
	cfg := testConfig()
	cfg.Budget.MaxTokensPerNode = 10
	cfg.Budget.MaxTokensPerRun = 10
	solver := backend.NewMockSolver()
	solver.SolveFunc = func(ctx context.Context, task string, sc map[string]interface{}) (backend.SolverResult, error) {
		return backend.SolverResult{Text: "## Answer\n\n" + strings.Repeat("word ", 100), TotalTokens: 500}, nil
	}
	e := newTestExecutor(t, cfg, solver, Options{})

	plan := &types.Plan{Nodes: []types.Node{{
		Name: "answer", Role: types.RoleBackbone, Contract: types.NewContract("Answer"),
	}}}
	err := e.ExecutePass(context.Background(), plan, nil, "full")
	var ee *types.ExecutionError
	if !errors.As(err, &ee) || !ee.BudgetExhausted || !errors.Is(err, ErrRunBudget) {
		t.Errorf("err = %v", err)
	}
}

func TestNodeBudgetShortCircuitKeepsDraft(t *testing.T) {
	// The per-node cap trips on the first round; the node keeps its draft
	// instead of looping further, and the pass carries on.
	cfg := testConfig()
	cfg.Execution.MaxRounds = 3
	cfg.Budget.MaxTokensPerNode = 10
	cfg.Budget.MaxTokensPerRun = 100000
	solver := backend.NewMockSolver()
	solver.SolveFunc = func(ctx context.Context, task string, sc map[string]interface{}) (backend.SolverResult, error) {
		if mode, _ := sc["mode"].(string); mode != "node" {
			return backend.SolverResult{Text: ""}, nil
		}
		return backend.SolverResult{Text: "## A\n\na short draft", TotalTokens: 500}, nil
	}
	e := newTestExecutor(t, cfg, solver, Options{})

	plan := &types.Plan{Nodes: []types.Node{{
		Name: "a", Role: types.RoleBackbone,
		Contract: types.NewContract("A", types.ContractTest{Kind: types.TestContains, Arg: "beta"}),
	}}}
	if err := e.ExecutePass(context.Background(), plan, nil, "full"); err != nil {
		t.Fatal(err)
	}
	a, _ := e.Board().Get("a")
	if a.Status != types.StatusNeedsDepth {
		t.Errorf("status = %s, want needs_more_depth", a.Status)
	}
	if !strings.Contains(a.Content, "a short draft") {
		t.Errorf("draft not kept: %q", a.Content)
	}
	if a.Rounds != 1 {
		t.Errorf("rounds = %d, want 1 (budget stops the loop)", a.Rounds)
	}
	nodeCalls := 0
	for _, call := range solver.Calls() {
		if mode, _ := call.Ctx["mode"].(string); mode == "node" {
			nodeCalls++
		}
	}
	if nodeCalls != 1 {
		t.Errorf("node solves = %d, want 1", nodeCalls)
	}
}

func TestExhaustedRoundsEndNeedsDepth(t *testing.T) {
	// A contract the draft can never satisfy: QA fails every round, rounds
	// run out, and the node keeps its content with a downgraded status.
	cfg := testConfig()
	solver := backend.NewMockSolver()
	e := newTestExecutor(t, cfg, solver, Options{})

	plan := &types.Plan{Nodes: []types.Node{{
		Name: "answer", Role: types.RoleBackbone,
		Contract: types.NewContract("Answer", types.ContractTest{Kind: types.TestContains, Arg: "unobtainium"}),
	}}}
	if err := e.ExecutePass(context.Background(), plan, nil, "full"); err != nil {
		t.Fatal(err)
	}
	art, _ := e.Board().Get("answer")
	if art.Status != types.StatusNeedsDepth {
		t.Errorf("status = %s, want needs_more_depth", art.Status)
	}
	if art.QA.OK {
		t.Error("qa.ok must be false on needs_more_depth")
	}
	if !strings.Contains(art.Content, "## Answer") {
		t.Errorf("content discarded: %q", art.Content)
	}
	if art.Rounds != 2 {
		t.Errorf("rounds = %d, want 2", art.Rounds)
	}
	if len(art.Critiques) < 2 {
		t.Errorf("critiques = %d, want the panel's telemetry on short circuit", len(art.Critiques))
	}
}

func TestJudgeScoresAreAdvisory(t *testing.T) {
	// The quality floor sits above anything the panel will score; the node
	// still finishes ok in one round because acceptance is QA alone.
	cfg := testConfig()
	cfg.Execution.MinScore = 0.99
	e := newTestExecutor(t, cfg, backend.NewMockSolver(), Options{})

	plan := &types.Plan{Nodes: []types.Node{{
		Name: "answer", Role: types.RoleBackbone, Contract: types.NewContract("Answer"),
	}}}
	if err := e.ExecutePass(context.Background(), plan, nil, "full"); err != nil {
		t.Fatal(err)
	}
	art, _ := e.Board().Get("answer")
	if art.Status != types.StatusOK {
		t.Errorf("status = %s, want ok", art.Status)
	}
	if art.Rounds != 1 {
		t.Errorf("rounds = %d, want 1 (no score-driven rewrites)", art.Rounds)
	}
	if len(art.Critiques) == 0 {
		t.Error("critiques missing on done")
	}
}

func TestEmptyDraftsEndFailed(t *testing.T) {
	cfg := testConfig()
	solver := backend.NewMockSolver()
	solver.SolveFunc = func(ctx context.Context, task string, sc map[string]interface{}) (backend.SolverResult, error) {
		return backend.SolverResult{Text: ""}, nil
	}
	e := newTestExecutor(t, cfg, solver, Options{})

	plan := &types.Plan{Nodes: []types.Node{{
		Name: "a", Role: types.RoleBackbone, Contract: types.NewContract("A"),
	}}}
	if err := e.ExecutePass(context.Background(), plan, nil, "full"); err != nil {
		t.Fatal(err)
	}
	a, _ := e.Board().Get("a")
	if a.Status != types.StatusFailed {
		t.Errorf("status = %s, want failed", a.Status)
	}
	if strings.TrimSpace(a.Content) != "" {
		t.Errorf("content = %q, want empty", a.Content)
	}
}

func TestHomeostatAdjustsRounds(t *testing.T) {
	e := newTestExecutor(t, testConfig(), backend.NewMockSolver(), Options{})

	for i := 0; i < 5; i++ {
		e.recordOutcome(i >= 3, 0) // 3 failures in last 5
	}
	e.homeostatTick()
	if _, rounds, _ := e.settings(); rounds != 3 {
		t.Errorf("max rounds = %d, want 3 after failures", rounds)
	}

	// High quality over >= 3 scores walks rounds back down.
	for i := 0; i < 6; i++ {
		e.recordOutcome(true, 0.95)
	}
	e.homeostatTick()
	e.homeostatTick()
	if _, rounds, _ := e.settings(); rounds != 1 {
		t.Errorf("max rounds = %d, want 1 after high quality", rounds)
	}
}

func TestStabilityCheckTightens(t *testing.T) {
	e := newTestExecutor(t, testConfig(), backend.NewMockSolver(), Options{})
	e.recordOutcome(true, 0.8)

	e.StabilityCheck() // establishes the baseline, never tightens
	c0, _, s0 := e.settings()
	if c0 != 2 || s0 != 0.6 {
		t.Fatalf("baseline changed settings: %d, %v", c0, s0)
	}

	e.StabilityCheck() // same energy: non-decrease, tighten
	c1, _, s1 := e.settings()
	if c1 != 1 {
		t.Errorf("concurrent = %d, want 1", c1)
	}
	if s1 <= s0 {
		t.Errorf("min score not raised: %v", s1)
	}

	// Floor and cap hold under repeated tightening.
	for i := 0; i < 30; i++ {
		e.StabilityCheck()
	}
	c2, _, s2 := e.settings()
	if c2 < 1 || s2 > 0.95 {
		t.Errorf("bounds violated: concurrent=%d minScore=%v", c2, s2)
	}
}

func TestSpliceFailedNode(t *testing.T) {
	plan := &types.Plan{Nodes: []types.Node{
		{Name: "a"},
		{Name: "b", Deps: []string{"a"}},
		{Name: "c", Deps: []string{"a", "b"}},
	}}
	spliceFailedNode(plan, "b", "run")
	c := plan.Nodes[2]
	if len(c.Deps) != 1 || c.Deps[0] != "a" {
		t.Errorf("c deps = %v, want [a] with no duplicate", c.Deps)
	}
}

func TestCallbacksFireAndPanicsAreContained(t *testing.T) {
	var mu sync.Mutex
	var started, completed []string
	passes := 0
	e := newTestExecutor(t, testConfig(), backend.NewMockSolver(), Options{
		Callbacks: Callbacks{
			OnNodeStart: func(node string) {
				mu.Lock()
				started = append(started, node)
				mu.Unlock()
				panic("observer bug")
			},
			OnNodeComplete: func(node string, art *types.Artifact) {
				mu.Lock()
				completed = append(completed, node)
				mu.Unlock()
			},
			OnPassComplete: func(pass string) {
				mu.Lock()
				passes++
				mu.Unlock()
			},
		},
	})
	plan := &types.Plan{Nodes: []types.Node{{
		Name: "answer", Role: types.RoleBackbone, Contract: types.NewContract("Answer"),
	}}}
	if err := e.ExecutePass(context.Background(), plan, nil, "full"); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(started) != 1 || len(completed) != 1 || passes != 1 {
		t.Errorf("callbacks = %v / %v / %d", started, completed, passes)
	}
}

func TestBackbonePassSkipsAdjuncts(t *testing.T) {
	e := newTestExecutor(t, testConfig(), backend.NewMockSolver(), Options{})
	plan := &types.Plan{Nodes: []types.Node{
		{Name: "side", Role: types.RoleAdjunct, Contract: types.NewContract("Side")},
		{Name: "main", Role: types.RoleBackbone, Contract: types.NewContract("Main")},
	}}

	if err := e.ExecutePass(context.Background(), plan, plan.BackboneClosure(), "backbone"); err != nil {
		t.Fatal(err)
	}
	if e.Board().Has("side") {
		t.Error("adjunct executed in backbone pass")
	}
	if !e.Board().Has("main") {
		t.Error("backbone node not executed")
	}

	// Full pass picks up the remainder without re-running main.
	if err := e.ExecutePass(context.Background(), plan, nil, "adjunct"); err != nil {
		t.Fatal(err)
	}
	if !e.Board().Has("side") {
		t.Error("adjunct not executed in second pass")
	}
}
