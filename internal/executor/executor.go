package executor

import (
	"context"
	"sync"
	"time"

	"reasonerd/internal/backend"
	"reasonerd/internal/config"
	"reasonerd/internal/judges"
	"reasonerd/internal/logging"
	"reasonerd/internal/ratelimit"
	"reasonerd/internal/types"
)

// Callbacks let the caller observe execution. Every callback runs inside
// a recover guard; a panicking observer never kills a node task.
type Callbacks struct {
	OnNodeStart    func(node string)
	OnNodeComplete func(node string, art *types.Artifact)
	OnPassComplete func(pass string)
}

// Options carries the per-run wiring New cannot derive from config.
type Options struct {
	RunID string
	Query string

	// WeightOf resolves a judge's stored weight for deliberation. Nil
	// means uniform weights.
	WeightOf func(name string) float64

	// RecordPatch is invoked once per applied (or skipped) patch so the
	// memory layer can keep patch statistics. Nil disables recording.
	RecordPatch func(kind types.PatchKind, ok bool)

	Callbacks Callbacks
}

// Executor runs plan passes for a single run. The homeostat and the
// stability check mutate the settings under mu; everything else reads
// them through the accessor methods.
type Executor struct {
	solver  backend.Solver
	judges  *judges.Registry
	limiter *ratelimit.Limiter
	board   *Blackboard
	budget  *Budget

	runID string
	query string

	hedgeEnable   bool
	hedgeDelay    time.Duration
	nodeTimeout   time.Duration
	applyNodeRecs bool

	weightOf    func(string) float64
	recordPatch func(types.PatchKind, bool)
	callbacks   Callbacks

	mu         sync.Mutex
	concurrent int
	maxRounds  int
	minScore   float64

	// Feedback-loop state.
	recentOutcomes []bool    // last node results, newest last
	scores         []float64 // deliberation scores, newest last
	smoothed       float64
	haveSmoothed   bool
	prevEnergy     float64
	havePrevEnergy bool
}

// New wires an executor for one run.
func New(cfg *config.Config, solver backend.Solver, reg *judges.Registry,
	lim *ratelimit.Limiter, opts Options) *Executor {

	if lim == nil {
		lim = ratelimit.New(cfg.Limiter.QPS, cfg.Limiter.BurstWindow, cfg.Limiter.MaxConcurrent)
	}
	return &Executor{
		solver:  solver,
		judges:  reg,
		limiter: lim,
		board:   NewBlackboard(),
		budget:  NewBudget(cfg.Budget),

		runID: opts.RunID,
		query: opts.Query,

		hedgeEnable:   cfg.Hedge.Enable,
		hedgeDelay:    cfg.Hedge.Delay,
		nodeTimeout:   cfg.Execution.NodeTimeout,
		applyNodeRecs: cfg.Features.ApplyNodeRecs,

		weightOf:    opts.WeightOf,
		recordPatch: opts.RecordPatch,
		callbacks:   opts.Callbacks,

		concurrent: cfg.Execution.Concurrent,
		maxRounds:  cfg.Execution.MaxRounds,
		minScore:   cfg.Execution.MinScore,
	}
}

// Board exposes the run's blackboard.
func (e *Executor) Board() *Blackboard { return e.board }

// Budget exposes the run's token tracker.
func (e *Executor) Budget() *Budget { return e.budget }

// TokensUsed returns tokens spent so far.
func (e *Executor) TokensUsed() int { return e.budget.RunUsed() }

func (e *Executor) settings() (concurrent, maxRounds int, minScore float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.concurrent, e.maxRounds, e.minScore
}

// MinScore returns the current quality floor.
func (e *Executor) MinScore() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.minScore
}

// recordOutcome feeds the homeostat and the stability predictor.
func (e *Executor) recordOutcome(ok bool, score float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentOutcomes = append(e.recentOutcomes, ok)
	if len(e.recentOutcomes) > 16 {
		e.recentOutcomes = e.recentOutcomes[len(e.recentOutcomes)-16:]
	}
	if score > 0 {
		e.scores = append(e.scores, score)
		if !e.haveSmoothed {
			e.smoothed = score
			e.haveSmoothed = true
		} else {
			e.smoothed = 0.7*e.smoothed + 0.3*score
		}
	}
}

func guardCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Executor("callback panicked: %v", r)
		}
	}()
	fn()
}

func (e *Executor) onNodeStart(node string) {
	if e.callbacks.OnNodeStart != nil {
		guardCallback(func() { e.callbacks.OnNodeStart(node) })
	}
}

func (e *Executor) onNodeComplete(node string, art *types.Artifact) {
	if e.callbacks.OnNodeComplete != nil {
		guardCallback(func() { e.callbacks.OnNodeComplete(node, art) })
	}
}

func (e *Executor) onPassComplete(pass string) {
	if e.callbacks.OnPassComplete != nil {
		guardCallback(func() { e.callbacks.OnPassComplete(pass) })
	}
}

// =============================================================================
// HOMEOSTAT
// =============================================================================

// StartHomeostat begins the 1 Hz effort regulator and returns its stop
// func. More than 2 failures in the last 5 node outcomes raises max
// rounds (cap 5); an average score above 0.9 over at least 3 scores
// lowers it (floor 1).
func (e *Executor) StartHomeostat(ctx context.Context) (stop func()) {
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				e.homeostatTick()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (e *Executor) homeostatTick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	recent := e.recentOutcomes
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	failures := 0
	for _, ok := range recent {
		if !ok {
			failures++
		}
	}
	if failures > 2 && e.maxRounds < 5 {
		e.maxRounds++
		logging.Executor("homeostat: %d recent failures, max rounds -> %d", failures, e.maxRounds)
		return
	}

	if len(e.scores) >= 3 {
		var sum float64
		for _, s := range e.scores {
			sum += s
		}
		if sum/float64(len(e.scores)) > 0.9 && e.maxRounds > 1 {
			e.maxRounds--
			logging.Executor("homeostat: quality high, max rounds -> %d", e.maxRounds)
		}
	}
}

// =============================================================================
// STABILITY CHECK
// =============================================================================

// StabilityCheck computes the run's energy after a pass and tightens the
// settings when energy failed to decrease. Energy is spent-token pressure
// plus predicted quality shortfall; tightening drops concurrency by one
// (floor 1) and raises the quality floor by 0.02 (cap 0.95).
func (e *Executor) StabilityCheck() {
	e.mu.Lock()

	pressure := 0.0
	if limit := e.budget.PerRun(); limit > 0 {
		pressure = float64(e.budget.RunUsed()) / float64(limit)
	}

	// Predicted quality blends a 5-sample moving average with the
	// exponentially smoothed score.
	predicted := 0.7
	if n := len(e.scores); n > 0 {
		window := e.scores
		if n > 5 {
			window = window[n-5:]
		}
		var sum float64
		for _, s := range window {
			sum += s
		}
		predicted = 0.5*(sum/float64(len(window))) + 0.5*e.smoothed
	}

	energy := pressure + (1 - predicted)
	prev := e.prevEnergy
	tightened := false
	if e.havePrevEnergy && energy >= prev {
		if e.concurrent > 1 {
			e.concurrent--
		}
		if e.minScore < 0.95 {
			e.minScore += 0.02
			if e.minScore > 0.95 {
				e.minScore = 0.95
			}
		}
		tightened = true
		logging.Executor("stability: energy %.3f >= %.3f, concurrent -> %d, min score -> %.2f",
			energy, prev, e.concurrent, e.minScore)
	}
	e.prevEnergy = energy
	e.havePrevEnergy = true
	runID := e.runID
	e.mu.Unlock()

	logging.Audit().Stability(runID, energy, prev, tightened)
}
