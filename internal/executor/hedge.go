package executor

import (
	"context"
	"time"

	"reasonerd/internal/backend"
	"reasonerd/internal/logging"
)

type solveReply struct {
	res backend.SolverResult
	err error
}

// hedgedSolve issues the solver call under the global limiter, launching
// a duplicate after the hedge delay when the first is still in flight.
// The first success wins and the loser is cancelled; when both fail the
// primary's error is returned. Each in-flight call holds its own limiter
// slot.
func (e *Executor) hedgedSolve(ctx context.Context, task string, solveCtx map[string]interface{}) (backend.SolverResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.nodeTimeout)
	defer cancel()

	launch := func(hedge bool) (<-chan solveReply, error) {
		release, err := e.limiter.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		sc := solveCtx
		if hedge {
			sc = make(map[string]interface{}, len(solveCtx)+1)
			for k, v := range solveCtx {
				sc[k] = v
			}
			sc["hedge"] = true
		}
		ch := make(chan solveReply, 1)
		go func() {
			defer release()
			res, err := e.solver.Solve(ctx, task, sc)
			ch <- solveReply{res: res, err: err}
		}()
		return ch, nil
	}

	primary, err := launch(false)
	if err != nil {
		return backend.SolverResult{}, err
	}

	if !e.hedgeEnable {
		r := <-primary
		return r.res, r.err
	}

	hedgeTimer := time.NewTimer(e.hedgeDelay)
	defer hedgeTimer.Stop()

	var secondary <-chan solveReply
	var primaryErr error
	for {
		select {
		case r := <-primary:
			if r.err == nil {
				cancel()
				return r.res, nil
			}
			primary = nil
			primaryErr = r.err
			if secondary == nil {
				// Failed before the hedge fired; the duplicate would
				// hit the same backend, so fail fast.
				return backend.SolverResult{}, r.err
			}

		case r := <-secondary:
			if r.err == nil {
				cancel()
				return r.res, nil
			}
			secondary = nil
			if primary == nil {
				return backend.SolverResult{}, primaryErr
			}

		case <-hedgeTimer.C:
			if secondary != nil {
				continue
			}
			ch, err := launch(true)
			if err != nil {
				// Could not get a second slot; ride on the primary.
				logging.ExecutorDebug("hedge launch skipped: %v", err)
				if primary == nil {
					return backend.SolverResult{}, primaryErr
				}
				r := <-primary
				return r.res, r.err
			}
			secondary = ch

		case <-ctx.Done():
			if primary == nil && secondary == nil {
				if primaryErr != nil {
					return backend.SolverResult{}, primaryErr
				}
			}
			return backend.SolverResult{}, &backend.TimeoutError{Op: "hedged solve", Err: ctx.Err()}
		}
	}
}
