package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// DETERMINISTIC MOCK BACKEND
// =============================================================================
//
// MockSolver and MockPlanner implement the backend contracts without any
// network traffic. The defaults are deterministic: the solver echoes the
// node's query under its section header and the planner emits a single-node
// plan. Both expose function fields for per-test overrides, and the solver
// can be scripted to fail specific nodes a fixed number of times.

// MockCall records one solver invocation for assertions.
type MockCall struct {
	Task string
	Ctx  map[string]interface{}
}

// MockSolver is a scriptable in-memory Solver.
type MockSolver struct {
	mu sync.Mutex

	// SolveFunc overrides all default behavior when set.
	SolveFunc func(ctx context.Context, task string, solveCtx map[string]interface{}) (SolverResult, error)

	// FailNodes maps node name to a count of consecutive failures to
	// simulate before succeeding.
	FailNodes map[string]int

	// Delay is slept before each reply, for hedging and timeout tests.
	Delay time.Duration

	calls []MockCall
}

// NewMockSolver returns a solver with echo defaults.
func NewMockSolver() *MockSolver {
	return &MockSolver{FailNodes: map[string]int{}}
}

// Calls returns a copy of the recorded invocations.
func (m *MockSolver) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of solve invocations so far.
func (m *MockSolver) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Solve implements Solver.
func (m *MockSolver) Solve(ctx context.Context, task string, solveCtx map[string]interface{}) (SolverResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Task: task, Ctx: solveCtx})
	node, _ := solveCtx["node"].(string)
	var fail bool
	if n, ok := m.FailNodes[node]; ok && n > 0 {
		m.FailNodes[node] = n - 1
		fail = true
	}
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return SolverResult{}, &TimeoutError{Op: "mock solve", Err: ctx.Err()}
		case <-time.After(m.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return SolverResult{}, &TimeoutError{Op: "mock solve", Err: err}
	}
	if m.SolveFunc != nil {
		return m.SolveFunc(ctx, task, solveCtx)
	}
	if fail {
		return SolverResult{}, fmt.Errorf("mock solver: scripted failure for node %q", node)
	}

	mode, _ := solveCtx["mode"].(string)
	switch mode {
	case "judge":
		return SolverResult{Text: `{"score": 0.8, "comments": "clear and well grounded", "guidance": {}}`}, nil
	case "node_recommend":
		return SolverResult{Text: ""}, nil
	case "cohesion":
		return SolverResult{Text: `{"recommendations": [], "revised": ""}`}, nil
	case "contradiction_resolution":
		return SolverResult{Text: "Both statements can hold under different scopes; the narrower claim governs."}, nil
	default:
		section, _ := solveCtx["section"].(string)
		if section == "" {
			section = "Answer"
		}
		body, _ := solveCtx["query"].(string)
		if body == "" {
			body = task
		}
		return SolverResult{Text: fmt.Sprintf("## %s\n\n%s\n", section, body)}, nil
	}
}

// MockPlanner is a scriptable in-memory PlannerLLM.
type MockPlanner struct {
	mu sync.Mutex

	// CompleteFunc overrides the default single-node plan when set.
	CompleteFunc func(ctx context.Context, prompt string, temperature float64) (string, error)

	// Err, when set, makes every call fail. Used to exercise the replay
	// and single-node fallbacks.
	Err error

	calls int
}

// NewMockPlanner returns a planner that emits a single-node plan.
func NewMockPlanner() *MockPlanner {
	return &MockPlanner{}
}

// CallCount returns the number of completions requested.
func (m *MockPlanner) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Complete implements PlannerLLM.
func (m *MockPlanner) Complete(ctx context.Context, prompt string, temperature float64, timeout time.Duration) (string, error) {
	m.mu.Lock()
	m.calls++
	fn := m.CompleteFunc
	err := m.Err
	m.mu.Unlock()

	if err != nil {
		return "", err
	}
	if fn != nil {
		return fn(ctx, prompt, temperature)
	}
	plan := map[string]interface{}{
		"nodes": []map[string]interface{}{{
			"name": "answer",
			"deps": []string{},
			"tmpl": "GENERIC",
			"role": "backbone",
			"contract": map[string]interface{}{
				"format": map[string]string{"markdown_section": "Answer"},
			},
		}},
	}
	data, _ := json.Marshal(plan)
	return string(data), nil
}
