package executor

import (
	"errors"
	"sync"

	"reasonerd/internal/config"
	"reasonerd/internal/types"
)

// Sentinels distinguishing which budget tripped inside an
// *types.ExecutionError.
var (
	ErrNodeBudget = errors.New("per-node token budget exhausted")
	ErrRunBudget  = errors.New("per-run token budget exhausted")
)

// Budget tracks token spend against the per-node and per-run caps. The
// run-level cap is a circuit breaker: once tripped the whole run aborts,
// while a node-level trip only fails that node.
type Budget struct {
	perNode int
	perRun  int

	mu       sync.Mutex
	runUsed  int
	nodeUsed map[string]int
}

// NewBudget builds a tracker from config. Non-positive caps disable the
// corresponding check.
func NewBudget(cfg config.BudgetConfig) *Budget {
	return &Budget{
		perNode:  cfg.MaxTokensPerNode,
		perRun:   cfg.MaxTokensPerRun,
		nodeUsed: map[string]int{},
	}
}

// Charge records spend for a node. The error, when non-nil, is a
// *types.ExecutionError with BudgetExhausted set, wrapping ErrNodeBudget
// or ErrRunBudget. Spend is recorded even when a cap trips so the audit
// trail shows the real total.
func (b *Budget) Charge(node string, tokens int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runUsed += tokens
	b.nodeUsed[node] += tokens

	if b.perRun > 0 && b.runUsed > b.perRun {
		return &types.ExecutionError{Node: node, BudgetExhausted: true, Err: ErrRunBudget}
	}
	if b.perNode > 0 && b.nodeUsed[node] > b.perNode {
		return &types.ExecutionError{Node: node, BudgetExhausted: true, Err: ErrNodeBudget}
	}
	return nil
}

// RunUsed returns tokens spent so far across the run.
func (b *Budget) RunUsed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runUsed
}

// NodeUsed returns tokens spent by one node.
func (b *Budget) NodeUsed(node string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nodeUsed[node]
}

// PerRun returns the run-level cap.
func (b *Budget) PerRun() int { return b.perRun }
