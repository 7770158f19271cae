package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reasonerd/internal/logging"
	"reasonerd/internal/textutil"
)

// Mission embedding tokens. Bit-exact: the underlying pipeline splits on
// these lines to recover the mission blob.
const (
	MissionOpenToken  = "<<<MISSION_JSON>>>"
	MissionCloseToken = "<<<END_MISSION>>>"
)

// Pipeline is the opaque underlying backend the adapter wraps. Run takes a
// task string and returns either a structured result or raw text.
type Pipeline interface {
	Run(ctx context.Context, task string) (interface{}, error)
}

// Adapter presents the Solver and PlannerLLM contracts over a Pipeline.
type Adapter struct {
	pipe       Pipeline
	maxTimeout time.Duration // ceiling for any single call
	grace      time.Duration // slack added on top of the composed timeout
	log        *logging.Logger
}

// NewAdapter wraps a pipeline. Zero durations get defaults (120s max, 5s
// grace).
func NewAdapter(pipe Pipeline, maxTimeout, grace time.Duration) *Adapter {
	if maxTimeout <= 0 {
		maxTimeout = 120 * time.Second
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Adapter{
		pipe:       pipe,
		maxTimeout: maxTimeout,
		grace:      grace,
		log:        logging.Get(logging.CategoryBackend),
	}
}

// composeTimeout returns the lesser of the caller's request and the
// adapter's ceiling, plus grace.
func (a *Adapter) composeTimeout(requested time.Duration) time.Duration {
	t := a.maxTimeout
	if requested > 0 && requested < t {
		t = requested
	}
	return t + a.grace
}

// Solve implements Solver over the pipeline.
func (a *Adapter) Solve(ctx context.Context, task string, solveCtx map[string]interface{}) (SolverResult, error) {
	timeout := a.composeTimeout(0)
	if d, ok := solveCtx["timeout"].(time.Duration); ok {
		timeout = a.composeTimeout(d)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := a.pipe.Run(callCtx, task)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return SolverResult{}, &TimeoutError{Op: "pipeline solve", Err: err}
		}
		return SolverResult{}, fmt.Errorf("pipeline solve failed: %w", err)
	}
	return Coerce(raw), nil
}

// Complete implements PlannerLLM over the pipeline.
func (a *Adapter) Complete(ctx context.Context, prompt string, temperature float64, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.composeTimeout(timeout))
	defer cancel()

	raw, err := a.pipe.Run(callCtx, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", &TimeoutError{Op: "pipeline complete", Err: err}
		}
		return "", fmt.Errorf("pipeline complete failed: %w", err)
	}
	return Coerce(raw).Text, nil
}

// EmbedMission prepends a mission JSON blob to the task between the
// delimiter tokens.
func EmbedMission(mission json.RawMessage, task string) string {
	if len(mission) == 0 {
		return task
	}
	var b strings.Builder
	b.WriteString(MissionOpenToken)
	b.WriteString("\n")
	b.Write(mission)
	b.WriteString("\n")
	b.WriteString(MissionCloseToken)
	b.WriteString("\n")
	b.WriteString(task)
	return b.String()
}

// ExtractMission splits an embedded mission back out of a task string.
// Returns the mission blob (nil if absent) and the remaining task.
func ExtractMission(task string) (json.RawMessage, string) {
	open := strings.Index(task, MissionOpenToken)
	if open < 0 {
		return nil, task
	}
	rest := task[open+len(MissionOpenToken):]
	end := strings.Index(rest, MissionCloseToken)
	if end < 0 {
		return nil, task
	}
	blob := strings.TrimSpace(rest[:end])
	remainder := strings.TrimPrefix(rest[end+len(MissionCloseToken):], "\n")
	return json.RawMessage(blob), remainder
}

// PlanMission asks the pipeline for a mission JSON for the query and
// normalizes the reply. Any transport or parse failure falls back to the
// deterministic heuristic mission.
func (a *Adapter) PlanMission(ctx context.Context, query string) json.RawMessage {
	return PlanMissionWith(ctx, a, query)
}

// PlanMissionWith runs mission planning over any PlannerLLM.
func PlanMissionWith(ctx context.Context, llm PlannerLLM, query string) json.RawMessage {
	log := logging.Get(logging.CategoryBackend)
	prompt := "Produce a mission JSON for the following query. Reply with a single JSON object " +
		"shaped {\"query_context\": string, \"Strategy\": [{\"Objective\": string, " +
		"\"queries\": {\"Q1\": string}, \"tactics\": [{\"t1\": string, \"dependencies\": [], " +
		"\"expected_artifact\": string}]}]}.\n\nQuery: " + query

	reply, err := llm.Complete(ctx, prompt, 0, 45*time.Second)
	if err != nil {
		log.Warn("mission planning failed, using heuristic: %v", err)
		return HeuristicMission(query)
	}
	blob, ok := textutil.ExtractFirstJSON(textutil.StripFences(reply))
	if !ok || !json.Valid([]byte(blob)) {
		log.Warn("mission reply had no parseable JSON, using heuristic")
		return HeuristicMission(query)
	}
	return json.RawMessage(blob)
}

// HeuristicMission builds a deterministic one-objective mission for a
// query. Used whenever LLM mission planning is unavailable.
func HeuristicMission(query string) json.RawMessage {
	mission := map[string]interface{}{
		"query_context": query,
		"Strategy": []map[string]interface{}{{
			"Objective": "Answer the query",
			"queries":   map[string]string{"Q1": query},
			"tactics": []map[string]interface{}{{
				"t1":                "Gather the facts needed to answer",
				"dependencies":      []string{},
				"expected_artifact": "facts.md",
			}, {
				"t2":                "Draft the answer from the gathered facts",
				"dependencies":      []string{"facts.md"},
				"expected_artifact": "draft.md",
			}},
		}},
	}
	data, _ := json.Marshal(mission)
	return data
}
