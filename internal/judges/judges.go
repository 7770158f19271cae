// Package judges scores artifacts against their contracts. Judges are
// advisory only: acceptance is decided by QA, while critique scores drive
// judge-weight learning and the executor's homeostat.
package judges

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"reasonerd/internal/backend"
	"reasonerd/internal/qa"
	"reasonerd/internal/textutil"
	"reasonerd/internal/types"
)

// neutralScore is returned whenever a judge fails or times out.
const neutralScore = 0.7

// Judge critiques text against a contract within the registry's timeout.
type Judge interface {
	Name() string
	Critique(ctx context.Context, text string, contract types.Contract) (types.Critique, error)
}

// Neutral is the fallback critique for a failed or timed-out judge.
func Neutral(name string) types.Critique {
	return types.Critique{Judge: name, Score: neutralScore}
}

// =============================================================================
// BUILTIN JUDGES
// =============================================================================

// StructureJudge checks the contract's section header and minimum length.
type StructureJudge struct{}

func (StructureJudge) Name() string { return "structure" }

func (StructureJudge) Critique(ctx context.Context, text string, contract types.Contract) (types.Critique, error) {
	score := 1.0
	var g types.Guidance
	var comments []string

	if section := contract.Section(); section != "" && !qa.HeaderPresent(text, section) {
		score -= 0.3
		g.Structure = fmt.Sprintf("add a %q section header", section)
		comments = append(comments, "missing section header")
	}
	if words := textutil.WordCount(text); words < 20 {
		score -= 0.3
		g.Evidence = "content is too thin to support its claims"
		comments = append(comments, fmt.Sprintf("only %d words", words))
	}
	if score < 0 {
		score = 0
	}
	return types.Critique{
		Judge:    "structure",
		Score:    score,
		Comments: strings.Join(comments, "; "),
		Guidance: g,
	}, nil
}

// BrevityJudge penalizes content outside the 80-800 word band.
type BrevityJudge struct{}

func (BrevityJudge) Name() string { return "brevity" }

func (BrevityJudge) Critique(ctx context.Context, text string, contract types.Contract) (types.Critique, error) {
	words := textutil.WordCount(text)
	c := types.Critique{Judge: "brevity", Score: 1.0}
	switch {
	case words > 800:
		c.Score = 0.6
		c.Comments = fmt.Sprintf("%d words is verbose", words)
		c.Guidance.Brevity = "cut repetition and keep the strongest points"
	case words < 80:
		c.Score = 0.6
		c.Comments = fmt.Sprintf("%d words is sparse", words)
		c.Guidance.Brevity = "develop the section to at least 80 words"
	}
	return c, nil
}

// claimPattern captures "<subject> is [not] ..." statements.
var claimPattern = regexp.MustCompile(`(?i)\b([A-Za-z][A-Za-z0-9_ -]{0,40}?)\s+is\s+(not\s+)?([a-z][a-z0-9_-]*)`)

// ConsistencyJudge regex-mines "X is" vs "X is not" contradictions inside
// one artifact.
type ConsistencyJudge struct{}

func (ConsistencyJudge) Name() string { return "consistency" }

func (ConsistencyJudge) Critique(ctx context.Context, text string, contract types.Contract) (types.Critique, error) {
	positive := map[string]bool{}
	negative := map[string]bool{}
	for _, m := range claimPattern.FindAllStringSubmatch(text, -1) {
		key := strings.ToLower(strings.TrimSpace(m[1])) + "|" + strings.ToLower(m[3])
		if m[2] != "" {
			negative[key] = true
		} else {
			positive[key] = true
		}
	}
	var clashes []string
	for key := range positive {
		if negative[key] {
			clashes = append(clashes, strings.ReplaceAll(key, "|", " is/is not "))
		}
	}

	c := types.Critique{Judge: "consistency", Score: 1.0}
	if n := len(clashes); n > 0 {
		c.Score = 1.0 - 0.2*float64(n)
		if c.Score < 0.2 {
			c.Score = 0.2
		}
		c.Comments = "contradictory claims: " + strings.Join(clashes, ", ")
		c.Guidance.Evidence = "reconcile the contradictory statements"
	}
	return c, nil
}

// =============================================================================
// LLM JUDGE
// =============================================================================

// LLMJudge asks the solver for a structured critique. Flaky replies are
// sampled twice: scores differing by more than 0.3 keep the sample nearer
// the neutral baseline, otherwise the two are averaged.
type LLMJudge struct {
	Solver backend.Solver
}

func (LLMJudge) Name() string { return "llm" }

type llmCritiqueReply struct {
	Score    float64        `json:"score"`
	Comments string         `json:"comments"`
	Guidance types.Guidance `json:"guidance"`
}

func (j LLMJudge) sample(ctx context.Context, text string, contract types.Contract) (llmCritiqueReply, error) {
	prompt := fmt.Sprintf(
		"Critique the following section against its contract. Reply with a single JSON object "+
			"{\"score\": 0..1, \"comments\": string, \"guidance\": {\"structure\": string, \"brevity\": string, \"evidence\": string}}.\n\n"+
			"Required section: %s\n\n%s", contract.Section(), text)

	res, err := j.Solver.Solve(ctx, prompt, map[string]interface{}{"mode": "judge"})
	if err != nil {
		return llmCritiqueReply{}, err
	}
	blob, ok := textutil.ExtractFirstJSON(textutil.StripFences(res.Text))
	if !ok {
		return llmCritiqueReply{}, fmt.Errorf("no JSON in judge reply")
	}
	var reply llmCritiqueReply
	if err := json.Unmarshal([]byte(blob), &reply); err != nil {
		return llmCritiqueReply{}, fmt.Errorf("judge reply malformed: %w", err)
	}
	if reply.Score < 0 {
		reply.Score = 0
	}
	if reply.Score > 1 {
		reply.Score = 1
	}
	return reply, nil
}

func (j LLMJudge) Critique(ctx context.Context, text string, contract types.Contract) (types.Critique, error) {
	first, err := j.sample(ctx, text, contract)
	if err != nil {
		return types.Critique{}, err
	}
	second, err := j.sample(ctx, text, contract)
	if err != nil {
		// One good sample is enough.
		return types.Critique{Judge: "llm", Score: first.Score, Comments: first.Comments, Guidance: first.Guidance}, nil
	}

	chosen := first
	if diff := first.Score - second.Score; diff > 0.3 || diff < -0.3 {
		// Disagreement: keep the sample nearer the neutral baseline.
		if abs(second.Score-neutralScore) < abs(first.Score-neutralScore) {
			chosen = second
		}
	} else {
		chosen.Score = (first.Score + second.Score) / 2
	}
	return types.Critique{Judge: "llm", Score: chosen.Score, Comments: chosen.Comments, Guidance: chosen.Guidance}, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry owns the judge set and fans critiques out with per-judge
// timeouts.
type Registry struct {
	judges  []Judge
	timeout time.Duration
	log     *zap.Logger
}

// NewRegistry builds the default registry (structure, brevity,
// consistency), optionally adding the LLM judge.
func NewRegistry(timeout time.Duration, log *zap.Logger, llmSolver backend.Solver) *Registry {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		judges:  []Judge{StructureJudge{}, BrevityJudge{}, ConsistencyJudge{}},
		timeout: timeout,
		log:     log,
	}
	if llmSolver != nil {
		r.judges = append(r.judges, LLMJudge{Solver: llmSolver})
	}
	return r
}

// Register appends a custom judge.
func (r *Registry) Register(j Judge) {
	r.judges = append(r.judges, j)
}

// Names lists the registered judges.
func (r *Registry) Names() []string {
	out := make([]string, len(r.judges))
	for i, j := range r.judges {
		out[i] = j.Name()
	}
	return out
}

// CritiqueAll runs every judge in parallel and gathers results in registry
// order. A judge that errors or exceeds the timeout yields the neutral
// critique.
func (r *Registry) CritiqueAll(ctx context.Context, text string, contract types.Contract) []types.Critique {
	results := make([]types.Critique, len(r.judges))
	done := make(chan int, len(r.judges))

	for i, j := range r.judges {
		go func(i int, j Judge) {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Warn("judge panicked", zap.String("judge", j.Name()), zap.Any("panic", rec))
					results[i] = Neutral(j.Name())
				}
				done <- i
			}()
			jctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			c, err := j.Critique(jctx, text, contract)
			if err != nil {
				r.log.Debug("judge failed, using neutral critique",
					zap.String("judge", j.Name()), zap.Error(err))
				results[i] = Neutral(j.Name())
				return
			}
			c.Judge = j.Name()
			results[i] = c
		}(i, j)
	}
	for range r.judges {
		<-done
	}
	return results
}
