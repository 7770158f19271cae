// Package planner turns a query into a validated plan: classification,
// three plan compilers in priority order (mission, CQAP, free-form), and
// the topological validator.
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

// Classification thresholds: score < atomicCutoff is Atomic, score <
// compositeCutoff is Hybrid, the rest Composite.
const (
	atomicCutoff    = 0.25
	compositeCutoff = 0.55
)

var deliverableWords = []string{
	"report", "plan", "design", "compare", "comparison", "analyze", "analysis",
	"guide", "essay", "document", "strategy", "review", "summary", "spec",
	"proposal", "architecture", "evaluate", "implement", "research", "outline",
}

var dependencyWords = []string{
	"then", "after", "before", "first", "finally", "next", "once",
	"followed by", "based on", "building on", "depends",
}

var verbWords = []string{
	"write", "build", "create", "explain", "describe", "list", "draft",
	"develop", "produce", "assess", "investigate", "summarize",
}

// cues are the raw feature counts behind the heuristic score.
type cues struct {
	deliverables int
	dependencies int
	bullets      int
	verbs        int
	longQuery    bool
}

func countCues(query string) cues {
	lower := strings.ToLower(query)
	var c cues
	for _, w := range deliverableWords {
		c.deliverables += strings.Count(lower, w)
	}
	for _, w := range dependencyWords {
		c.dependencies += strings.Count(lower, w)
	}
	for _, w := range verbWords {
		c.verbs += strings.Count(lower, w)
	}
	for _, line := range strings.Split(query, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "-") || strings.HasPrefix(t, "*") ||
			(len(t) > 1 && t[0] >= '0' && t[0] <= '9' && (t[1] == '.' || t[1] == ')')) {
			c.bullets++
		}
	}
	c.longQuery = textutil.WordCount(query) > 100
	return c
}

// HeuristicClassify scores a query from lexical cues alone.
func HeuristicClassify(query string) types.Classification {
	c := countCues(query)
	score := 0.15*float64(c.deliverables) +
		0.12*float64(c.dependencies) +
		0.08*float64(c.bullets) +
		0.05*float64(c.verbs)
	if c.longQuery {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return types.Classification{Kind: kindFor(score), Score: score}
}

func kindFor(score float64) types.ClassKind {
	switch {
	case score < atomicCutoff:
		return types.KindAtomic
	case score < compositeCutoff:
		return types.KindHybrid
	default:
		return types.KindComposite
	}
}

// LLMClassify asks the planner LLM for a classification, falling back to
// the heuristic on any failure. An Atomic verdict over a query with broad
// or deep cues gets its score nudged up to flag a possible hybrid.
func LLMClassify(ctx context.Context, llm backend.PlannerLLM, query string) types.Classification {
	log := logging.Get(logging.CategoryClassifier)
	prompt := fmt.Sprintf(
		"Classify the query below. Reply with exactly one JSON object "+
			"{\"kind\": \"atomic\"|\"hybrid\"|\"composite\", \"score\": 0..1}. "+
			"atomic = single deliverable, hybrid = 2-4 interacting deliverables, "+
			"composite = multi-phase plan.\n\nQuery: %s", query)

	reply, err := llm.Complete(ctx, prompt, 0, 20*time.Second)
	if err != nil {
		log.Warn("llm classifier failed, using heuristic: %v", err)
		return HeuristicClassify(query)
	}
	blob, ok := textutil.ExtractFirstJSON(textutil.StripFences(reply))
	if !ok {
		log.Warn("llm classifier reply had no JSON, using heuristic")
		return HeuristicClassify(query)
	}
	var parsed struct {
		Kind  string  `json:"kind"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(blob), &parsed); err != nil {
		log.Warn("llm classifier reply malformed, using heuristic: %v", err)
		return HeuristicClassify(query)
	}

	kind := types.ClassKind(strings.ToLower(strings.TrimSpace(parsed.Kind)))
	switch kind {
	case types.KindAtomic, types.KindHybrid, types.KindComposite:
	default:
		return HeuristicClassify(query)
	}
	if parsed.Score < 0 {
		parsed.Score = 0
	}
	if parsed.Score > 1 {
		parsed.Score = 1
	}

	if kind == types.KindAtomic {
		c := countCues(query)
		if c.deliverables >= 2 || c.dependencies >= 2 {
			// Breadth or depth cues disagree with the verdict; mark a
			// possible hybrid without overruling the kind.
			if parsed.Score < atomicCutoff {
				parsed.Score = atomicCutoff - 0.01
			}
			log.Debug("atomic verdict nudged: breadth=%d depth=%d", c.deliverables, c.dependencies)
		}
	}
	return types.Classification{Kind: kind, Score: parsed.Score}
}
