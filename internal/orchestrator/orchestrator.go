// Package orchestrator drives a full run: classify the query, retrieve
// prior-run memory, compile and validate a plan, execute the backbone and
// adjunct passes, reconcile cross-section contradictions, compose the
// final document, run the cohesion pass, and persist what was learned.
package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"reasonerd/internal/backend"
	"reasonerd/internal/config"
	"reasonerd/internal/executor"
	"reasonerd/internal/judges"
	"reasonerd/internal/logging"
	"reasonerd/internal/memory"
	"reasonerd/internal/planner"
	"reasonerd/internal/ratelimit"
	"reasonerd/internal/textutil"
	"reasonerd/internal/types"
)

// Orchestrator wires one engine instance. Store may be nil, which
// disables memory entirely (no retrieval, replay, or persistence).
type Orchestrator struct {
	cfg     *config.Config
	solver  backend.Solver
	planLLM backend.PlannerLLM
	store   *memory.Store
	limiter *ratelimit.Limiter
}

// New builds an orchestrator. The limiter is shared across runs so
// concurrent runs still respect the global QPS.
func New(cfg *config.Config, solver backend.Solver, planLLM backend.PlannerLLM, store *memory.Store) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		solver:  solver,
		planLLM: planLLM,
		store:   store,
		limiter: ratelimit.New(cfg.Limiter.QPS, cfg.Limiter.BurstWindow, cfg.Limiter.MaxConcurrent),
	}
}

// RunResult is everything a run produced.
type RunResult struct {
	RunID          string                     `json:"run_id"`
	Query          string                     `json:"query"`
	Classification types.Classification       `json:"classification"`
	Sig            string                     `json:"sig"`
	Document       string                     `json:"document"`
	Plan           *types.Plan                `json:"plan"`
	Artifacts      map[string]*types.Artifact `json:"artifacts"`
	GlobalRecs     []string                   `json:"global_recs,omitempty"`
	Conflicts      int                        `json:"conflicts"`
	TokensUsed     int                        `json:"tokens_used"`
	Duration       time.Duration              `json:"duration"`
	Replayed       bool                       `json:"replayed"`
}

// OKNodes lists the nodes that finished with status ok.
func (r *RunResult) OKNodes() []string {
	var out []string
	for _, n := range r.Plan.Nodes {
		if a, ok := r.Artifacts[n.Name]; ok && a.Status == types.StatusOK {
			out = append(out, n.Name)
		}
	}
	return out
}

// Run executes one query end to end. The task may carry an embedded
// mission between the mission tokens; the remainder is the query proper.
func (o *Orchestrator) Run(ctx context.Context, task string) (*RunResult, error) {
	start := time.Now()
	runID := uuid.NewString()[:8]
	audit := logging.Audit()

	missionBlob, query := backend.ExtractMission(task)
	query = strings.TrimSpace(query)

	class := o.classify(ctx, query)
	sig := memory.Signature(class.Kind, query)
	audit.RunStart(runID, sig, textutil.Preview(query, 200))
	logging.Boot("run %s: %s %s", runID, class, textutil.Preview(query, 80))

	hint, neighbors := o.recall(runID, sig, query)

	plan, class, replayed, err := o.buildPlan(ctx, runID, query, missionBlob, class, sig, hint, neighbors)
	if err != nil {
		audit.RunComplete(runID, false, time.Since(start), err.Error())
		return nil, err
	}

	reg := o.newJudges()
	exec := executor.New(o.cfg, o.solver, reg, o.limiter, executor.Options{
		RunID:       runID,
		Query:       query,
		WeightOf:    o.weightOf(),
		RecordPatch: o.patchRecorder(),
	})
	stopHomeostat := exec.StartHomeostat(ctx)
	defer stopHomeostat()

	// Backbone first: the answer spine must be complete before the
	// enrichment layer spends budget.
	if err := exec.ExecutePass(ctx, plan, plan.BackboneClosure(), "backbone"); err != nil {
		audit.RunComplete(runID, false, time.Since(start), err.Error())
		return nil, err
	}
	exec.StabilityCheck()
	if err := exec.ExecutePass(ctx, plan, nil, "adjunct"); err != nil {
		audit.RunComplete(runID, false, time.Since(start), err.Error())
		return nil, err
	}
	exec.StabilityCheck()

	board := exec.Board().Snapshot()
	o.learnJudgeWeights(board)
	o.extractBeliefs(sig, board)

	conflicts := DetectConflicts(board)
	if len(conflicts) > 0 {
		logging.Cohesion("run %s: %d cross-section contradictions", runID, len(conflicts))
		resolveConflicts(ctx, o.solver, conflicts)
	}

	doc, err := Compose(plan, board, conflicts)
	if err != nil {
		audit.RunComplete(runID, false, time.Since(start), err.Error())
		return nil, err
	}

	doc, globalRecs := o.cohesionPass(ctx, doc)

	result := &RunResult{
		RunID:          runID,
		Query:          query,
		Classification: class,
		Sig:            sig,
		Document:       doc,
		Plan:           plan,
		Artifacts:      board,
		GlobalRecs:     globalRecs,
		Conflicts:      len(conflicts),
		TokensUsed:     exec.TokensUsed(),
		Duration:       time.Since(start),
		Replayed:       replayed,
	}
	o.persist(result)
	o.recordPenalties(result)
	audit.RunComplete(runID, true, result.Duration, textutil.Preview(doc, 200))
	return result, nil
}

func (o *Orchestrator) classify(ctx context.Context, query string) types.Classification {
	if o.cfg.Features.UseLLMClassifier && o.planLLM != nil {
		return planner.LLMClassify(ctx, o.planLLM, query)
	}
	return planner.HeuristicClassify(query)
}

// recall queries the k-line store for prior similar runs and summarizes
// them into a planning hint.
func (o *Orchestrator) recall(runID, sig, query string) (string, []memory.Retrieved) {
	if o.store == nil || !o.cfg.KLine.Enable {
		return "", nil
	}
	neighbors := o.store.QueryKLines(query, o.cfg.KLine.TopK, o.cfg.KLine.MinSim)
	if len(neighbors) == 0 {
		return "", nil
	}
	logging.Audit().ClusterRecall(runID, sig, len(neighbors))
	// hint_tokens is a token budget; ~4 chars per token.
	return memory.SummarizeNeighbors(neighbors, o.cfg.KLine.HintTokens*4), neighbors
}

// buildPlan compiles in priority order: embedded mission, CQAP, free-form
// LLM planning, then trace replay, then the single-node fallback. The
// returned classification may differ from the input when a compiled plan
// dictates its own size class.
func (o *Orchestrator) buildPlan(ctx context.Context, runID, query string, missionBlob json.RawMessage,
	class types.Classification, sig, hint string, neighbors []memory.Retrieved) (*types.Plan, types.Classification, bool, error) {

	log := logging.Get(logging.CategoryPlanner)

	if o.cfg.Features.PlanFromMeta && len(missionBlob) > 0 {
		mission, merr := planner.ParseMission(string(missionBlob))
		if merr == nil {
			plan := planner.CompileMission(mission)
			missionClass := classForSize(len(plan.Nodes), class.Score)
			if merr = planner.Validate(plan, missionClass); merr == nil {
				log.Info("plan: mission, %d nodes", len(plan.Nodes))
				return plan, missionClass, false, nil
			}
		}
		log.Warn("mission plan unusable, falling through: %v", merr)
	}

	if o.cfg.Features.UseCQAP {
		slots := o.cqapSlots(ctx, query, class.Kind)
		plan := planner.CompileCQAP(slots, class.Kind)
		if err := planner.Validate(plan, class); err == nil {
			log.Info("plan: cqap, %d nodes", len(plan.Nodes))
			return plan, class, false, nil
		}
	}

	if o.planLLM != nil {
		plan, err := planner.CompileFreeform(ctx, o.planLLM, query, class, hint)
		if err == nil {
			if verr := planner.Validate(plan, class); verr == nil {
				log.Info("plan: freeform, %d nodes", len(plan.Nodes))
				return plan, class, false, nil
			}
		} else {
			log.Warn("freeform planning failed: %v", err)
		}
	}

	if plan, ok := o.replayPlan(runID, sig, neighbors); ok {
		class = classForSize(len(plan.Nodes), class.Score)
		if err := planner.Validate(plan, class); err == nil {
			log.Info("plan: replay, %d nodes", len(plan.Nodes))
			return plan, class, true, nil
		}
	}

	plan := planner.SingleNodePlan()
	class = classForSize(1, class.Score)
	if err := planner.Validate(plan, class); err != nil {
		return nil, class, false, err
	}
	log.Info("plan: single-node fallback")
	return plan, class, false, nil
}

// replayPlan reconstructs a plan from the stored trace at sig, or from
// the best high-quality neighbor (at least 80%% of its nodes finished ok
// on its last run).
func (o *Orchestrator) replayPlan(runID, sig string, neighbors []memory.Retrieved) (*types.Plan, bool) {
	if o.store == nil || !o.cfg.KLine.Enable {
		return nil, false
	}
	try := func(candidate string) (*types.Plan, bool) {
		nodes := o.store.ReplayKLine(candidate)
		if len(nodes) == 0 {
			return nil, false
		}
		logging.Audit().TraceReplay(runID, candidate, len(nodes))
		return &types.Plan{Nodes: nodes}, true
	}
	if plan, ok := try(sig); ok {
		return plan, true
	}
	for _, n := range neighbors {
		if len(n.Entry.Nodes) == 0 {
			continue
		}
		if float64(len(n.Entry.OKNodes))/float64(len(n.Entry.Nodes)) < 0.8 {
			continue
		}
		if plan, ok := try(n.Sig); ok {
			return plan, true
		}
	}
	return nil, false
}

// cqapSlots picks between LLM extraction and the heuristic slot set.
func (o *Orchestrator) cqapSlots(ctx context.Context, query string, kind types.ClassKind) map[string]string {
	if o.cfg.Features.UseLLMCQAP && o.planLLM != nil {
		if slots, err := planner.ExtractCQAP(ctx, o.planLLM, query); err == nil {
			return slots
		}
		logging.Planner("cqap extraction failed twice, using heuristic slots")
	}
	return planner.HeuristicSlots(query, kind)
}

func classForSize(n int, score float64) types.Classification {
	kind := types.KindComposite
	switch {
	case n <= 1:
		kind = types.KindAtomic
	case n <= 4:
		kind = types.KindHybrid
	}
	return types.Classification{Kind: kind, Score: score}
}

func (o *Orchestrator) newJudges() *judges.Registry {
	var llmSolver backend.Solver
	if o.cfg.Features.EnableLLMJudge {
		llmSolver = o.solver
	}
	return judges.NewRegistry(o.cfg.Execution.JudgeTimeout, nil, llmSolver)
}

func (o *Orchestrator) weightOf() func(string) float64 {
	if o.store == nil {
		return nil
	}
	return o.store.JudgeWeight
}

func (o *Orchestrator) patchRecorder() func(types.PatchKind, bool) {
	if o.store == nil {
		return nil
	}
	return func(kind types.PatchKind, ok bool) {
		o.store.RecordPatch(string(kind), ok)
	}
}

// learnJudgeWeights nudges stored judge weights toward consensus: judges
// scoring near their panel's mean gain weight, outliers lose it.
func (o *Orchestrator) learnJudgeWeights(board map[string]*types.Artifact) {
	if o.store == nil {
		return
	}
	for _, art := range board {
		if len(art.Critiques) < 2 {
			continue
		}
		var sum float64
		for _, c := range art.Critiques {
			sum += c.Score
		}
		mean := sum / float64(len(art.Critiques))
		for _, c := range art.Critiques {
			dev := c.Score - mean
			if dev < 0 {
				dev = -dev
			}
			o.store.BumpJudge(c.Judge, 0.05*(0.1-dev))
		}
	}
}

// extractBeliefs mines polarized claims from finished artifacts into the
// belief store.
func (o *Orchestrator) extractBeliefs(sig string, board map[string]*types.Artifact) {
	if o.store == nil {
		return
	}
	for name, art := range board {
		if art.Status != types.StatusOK && art.Status != types.StatusNeedsDepth {
			continue
		}
		for _, c := range mineClaims(name, art.Content) {
			o.store.UpsertBelief(memory.Belief{
				Subject:    c.subject,
				Predicate:  "is",
				Object:     c.object,
				Polarity:   !c.negated,
				Confidence: 0.6,
			}, memory.Provenance{Sig: sig, Node: name})
		}
	}
}

// cohesionReply is the solver's structured cohesion verdict.
type cohesionReply struct {
	Recommendations []string `json:"recommendations"`
	Revised         string   `json:"revised"`
}

// cohesionPass asks the solver to review the composed document as a
// whole. A revised document replaces the original; with global recs
// enabled a second call applies the recommendations. Failures leave the
// document untouched.
func (o *Orchestrator) cohesionPass(ctx context.Context, doc string) (string, []string) {
	prompt := "Review the document below for cross-section cohesion. Reply with one JSON object " +
		"{\"recommendations\": [strings], \"revised\": string}; leave \"revised\" empty if no " +
		"rewrite is needed.\n\n" + doc
	res, err := o.solver.Solve(ctx, prompt, map[string]interface{}{"mode": "cohesion"})
	if err != nil {
		logging.Cohesion("cohesion pass failed: %v", err)
		return doc, nil
	}
	blob, ok := textutil.ExtractFirstJSON(textutil.StripFences(res.Text))
	if !ok {
		return doc, nil
	}
	var reply cohesionReply
	if err := json.Unmarshal([]byte(blob), &reply); err != nil {
		return doc, nil
	}
	if strings.TrimSpace(reply.Revised) != "" {
		doc = textutil.Sanitize(reply.Revised)
	}

	if o.cfg.Features.ApplyGlobalRecs && len(reply.Recommendations) > 0 {
		applyPrompt := "Rewrite the document below applying these recommendations. Keep every " +
			"section header.\n\nRecommendations:\n- " + strings.Join(reply.Recommendations, "\n- ") +
			"\n\nDocument:\n" + doc
		applied, err := o.solver.Solve(ctx, applyPrompt, map[string]interface{}{"mode": "cohesion_apply"})
		if err == nil && strings.TrimSpace(applied.Text) != "" {
			doc = textutil.Sanitize(applied.Text)
		}
	}
	return doc, reply.Recommendations
}

// persist records the finished run in the k-line store.
func (o *Orchestrator) persist(r *RunResult) {
	if o.store == nil || !o.cfg.KLine.Enable {
		return
	}
	snapshot := memory.SnapshotPlan(r.Plan)
	if err := o.store.UpsertKLine(r.Sig, memory.KLine{
		Query:          r.Query,
		Classification: r.Classification,
		Nodes:          snapshot,
		OKNodes:        r.OKNodes(),
		GlobalRecs:     r.GlobalRecs,
	}); err != nil {
		logging.Memory("k-line upsert failed: %v", err)
		return
	}
	if err := o.store.AppendKLineTrace(r.Sig, memory.Trace{Nodes: snapshot}); err != nil {
		logging.Memory("trace append failed: %v", err)
	}
}

// recordPenalties bumps the k-line penalty counter once per detected
// contradiction and once per artifact whose final QA failed. Runs after
// persist so the entry exists on a first run.
func (o *Orchestrator) recordPenalties(r *RunResult) {
	if o.store == nil || !o.cfg.KLine.Enable {
		return
	}
	n := r.Conflicts
	for _, art := range r.Artifacts {
		if art.Status == types.StatusNeedsDepth || art.Status == types.StatusFailed {
			n++
		}
	}
	for i := 0; i < n; i++ {
		if err := o.store.IncrementPenalty(r.Sig); err != nil {
			logging.Memory("penalty bump failed: %v", err)
			return
		}
	}
}
