// Package backend defines the solver and planner-LLM contracts the engine
// runs against, plus the adapter façade, the deterministic mock used in
// tests, and the Gemini production client.
package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SolverResult is a backend reply with optional token accounting.
type SolverResult struct {
	Text             string `json:"text"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	TotalTokens      int    `json:"total_tokens,omitempty"`
}

// Tokens returns the best available token count, approximating from text
// length (len/4) when the backend reported nothing.
func (r SolverResult) Tokens() int {
	if r.TotalTokens > 0 {
		return r.TotalTokens
	}
	if r.PromptTokens+r.CompletionTokens > 0 {
		return r.PromptTokens + r.CompletionTokens
	}
	return len(r.Text) / 4
}

// Solver is the generative backend contract. Implementations must return a
// *TimeoutError (possibly wrapped) on deadline expiry so the scheduler can
// distinguish timeouts from hard failures.
//
// Context map keys the engine sends: "mode" (node, node_recommend,
// node_apply, judge, cohesion, cohesion_apply, dense_final,
// contradiction_resolution, improve_round), "node", "deps".
type Solver interface {
	Solve(ctx context.Context, task string, solveCtx map[string]interface{}) (SolverResult, error)
}

// PlannerLLM is the planning-side completion contract. Mock implementations
// must be deterministic at temperature 0.
type PlannerLLM interface {
	Complete(ctx context.Context, prompt string, temperature float64, timeout time.Duration) (string, error)
}

// TimeoutError marks a solver or planner call that exceeded its deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("backend: %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is (or wraps) a backend timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// reprPattern matches a stringified result wrapper like
// SolverResult(text='...') so the inner text can be recovered.
var reprPattern = regexp.MustCompile(`(?s)^SolverResult\(text=(['"])(.*)['"]\)$`)

// Coerce normalizes a loosely typed backend reply into a SolverResult.
// Accepts SolverResult, *SolverResult, a raw string, or a map decoded from
// JSON. Strings that encode a stringified SolverResult are re-parsed to
// recover the inner text.
func Coerce(raw interface{}) SolverResult {
	switch v := raw.(type) {
	case SolverResult:
		return v
	case *SolverResult:
		if v != nil {
			return *v
		}
		return SolverResult{}
	case string:
		if m := reprPattern.FindStringSubmatch(strings.TrimSpace(v)); m != nil {
			inner := m[2]
			inner = strings.ReplaceAll(inner, `\'`, `'`)
			inner = strings.ReplaceAll(inner, `\n`, "\n")
			return SolverResult{Text: inner}
		}
		return SolverResult{Text: v}
	case map[string]interface{}:
		out := SolverResult{}
		if s, ok := v["text"].(string); ok {
			out.Text = s
		}
		out.PromptTokens = intFrom(v["prompt_tokens"])
		out.CompletionTokens = intFrom(v["completion_tokens"])
		out.TotalTokens = intFrom(v["total_tokens"])
		return out
	case nil:
		return SolverResult{}
	default:
		return SolverResult{Text: fmt.Sprintf("%v", raw)}
	}
}

func intFrom(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
