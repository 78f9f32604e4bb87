package recal

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/helix-bio/recalibra/internal/api"
)

// Runner executes recalibration fits on background workers. Fitting is the
// one computation here long enough to justify asynchrony: Submit persists a
// pending run and returns immediately, and the caller polls the run's status
// from the store until it reaches a terminal state.
type Runner struct {
	orchestrator *Orchestrator
	jobs         chan job
	stopCh       chan struct{}
	wg           sync.WaitGroup
	startOnce    sync.Once
	stopOnce     sync.Once

	// OnTerminal, when set before the first Submit, is called with every run
	// that reaches a terminal state on a worker.
	OnTerminal func(*api.RecalibrationRun)
}

type job struct {
	run   *api.RecalibrationRun
	pairs []api.MatchedPair
}

// NewRunner creates a runner with the given queue depth and worker count.
func NewRunner(orchestrator *Orchestrator, queueDepth, workers int) *Runner {
	if queueDepth <= 0 {
		queueDepth = 16
	}
	if workers <= 0 {
		workers = 1
	}

	r := &Runner{
		orchestrator: orchestrator,
		jobs:         make(chan job, queueDepth),
		stopCh:       make(chan struct{}),
	}

	r.startOnce.Do(func() {
		for i := 0; i < workers; i++ {
			r.wg.Add(1)
			go r.work()
		}
	})

	return r
}

// Submit creates a pending run and queues its fit. The returned run is in
// the pending state; poll the store by its ID for progress. A full queue is
// reported as an error rather than blocking the caller.
func (r *Runner) Submit(ctx context.Context, modelID string, pairs []api.MatchedPair, triggeredBy, strategyHint string) (*api.RecalibrationRun, error) {
	run, err := r.orchestrator.NewRun(ctx, modelID, len(pairs), triggeredBy, strategyHint)
	if err != nil {
		return nil, err
	}

	select {
	case r.jobs <- job{run: run, pairs: pairs}:
		return run, nil
	default:
		if _, failErr := r.orchestrator.fail(ctx, run, "recalibration queue full"); failErr != nil {
			log.Printf("Failed to persist queue-full failure for run %s: %v", run.ID, failErr)
		}
		return nil, fmt.Errorf("recalibration queue full")
	}
}

func (r *Runner) work() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case j := <-r.jobs:
			// Fits are bounded, data-size-proportional computations; a
			// background context keeps an abandoned HTTP request from
			// cancelling a run that is already persisted as pending.
			done, err := r.orchestrator.Execute(context.Background(), j.run, j.pairs)
			if err != nil {
				log.Printf("Recalibration run %s failed to execute: %v", j.run.ID, err)
				continue
			}
			if r.OnTerminal != nil {
				r.OnTerminal(done)
			}
		}
	}
}

// Stop shuts the workers down. Queued jobs that have not started remain
// pending in the store and are safe to resubmit.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
	})
}
