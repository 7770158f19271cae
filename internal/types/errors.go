package types

import "fmt"

// =============================================================================
// ERROR KINDS
// =============================================================================
//
// Every error kind here is matchable with errors.As at the orchestrator
// boundary. Transient solver trouble is handled inside the executor; only
// budget-exhausted ExecutionErrors and CompositionErrors reach the caller.

// BlackboardError is the base kind for typed engine failures that fit no
// narrower category.
type BlackboardError struct {
	Op  string
	Err error
}

func (e *BlackboardError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("blackboard: %s", e.Op)
	}
	return fmt.Sprintf("blackboard: %s: %v", e.Op, e.Err)
}

func (e *BlackboardError) Unwrap() error { return e.Err }

// PlanningError means the planner LLM failed or returned unparseable JSON
// and no replay candidate exists. Recovery is a single-node plan.
type PlanningError struct {
	Reason string
	Err    error
}

func (e *PlanningError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("planning: %s", e.Reason)
	}
	return fmt.Sprintf("planning: %s: %v", e.Reason, e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// ExecutionError means the solver failed twice for one node, or the run's
// token budget was exhausted. Budget exhaustion aborts the run; node
// failures are bypassed by the scheduler.
type ExecutionError struct {
	Node            string
	BudgetExhausted bool
	Err             error
}

func (e *ExecutionError) Error() string {
	if e.BudgetExhausted {
		return fmt.Sprintf("execution: token budget exhausted (node %s)", e.Node)
	}
	return fmt.Sprintf("execution: node %s: %v", e.Node, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// QAError is reserved for unrecoverable contract violations. Repeated QA
// failures normally yield a needs_more_depth artifact instead.
type QAError struct {
	Node   string
	Reason string
}

func (e *QAError) Error() string {
	return fmt.Sprintf("qa: node %s: %s", e.Node, e.Reason)
}

// CompositionError means the composer received no artifacts at all.
type CompositionError struct {
	Reason string
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("composition: %s", e.Reason)
}
