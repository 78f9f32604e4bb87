// Package recal selects and runs recalibration strategies when drift has been
// flagged: a full retrain trigger for open models, a fitted correction layer
// for closed ones. Every invocation appends a new RecalibrationRun with
// before/after accuracy, so whether recalibration actually helped is always
// auditable.
package recal

import (
	"context"
	"fmt"
	"time"

	"github.com/helix-bio/recalibra/internal/accuracy"
	"github.com/helix-bio/recalibra/internal/api"
)

// RunStore persists RecalibrationRun records. Saves are upserts keyed by run
// ID: a run's status advances in place, but a new invocation always gets a
// new ID, so history is append-only.
type RunStore interface {
	SaveRecalibrationRun(ctx context.Context, run *api.RecalibrationRun) error
}

// ModelCatalog resolves a model's classification and records recalibrations.
type ModelCatalog interface {
	GetModel(id string) (*api.Model, error)
	MarkRecalibrated(id string, at time.Time) error
}

// Orchestrator runs recalibrations end to end: strategy selection, fitting,
// before/after measurement, artifact persistence, and the run state machine.
type Orchestrator struct {
	catalog    ModelCatalog
	runs       RunStore
	artifacts  *ArtifactStore
	retrainCmd string
}

// NewOrchestrator wires an orchestrator. retrainCmd is the external trigger
// handle used for open-model retrains (e.g. an Airflow DAG id).
func NewOrchestrator(catalog ModelCatalog, runs RunStore, artifacts *ArtifactStore, retrainCmd string) *Orchestrator {
	return &Orchestrator{
		catalog:    catalog,
		runs:       runs,
		artifacts:  artifacts,
		retrainCmd: retrainCmd,
	}
}

// Recalibrate fits a new artifact for the model over the given training
// pairs and returns the terminal run record.
//
// Strategy selection: a closed model always gets the correction layer, no
// matter the hint, because its internals cannot be touched. An open model
// honors the hint and defaults to a full retrain.
//
// The run is persisted at every state transition, so a caller polling the
// store sees pending → fitting → succeeded|failed. Degenerate or empty
// training data produces a terminal failed run with a reason, never a no-op
// artifact pretending to be a success.
func (o *Orchestrator) Recalibrate(ctx context.Context, modelID string, pairs []api.MatchedPair, triggeredBy, strategyHint string) (*api.RecalibrationRun, error) {
	run, err := o.NewRun(ctx, modelID, len(pairs), triggeredBy, strategyHint)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, run, pairs)
}

// NewRun creates and persists a pending run. Callers that fit asynchronously
// hand the run to Execute on a worker and return its ID immediately, so the
// status can be polled from the store while fitting is in flight.
func (o *Orchestrator) NewRun(ctx context.Context, modelID string, trainingCount int, triggeredBy, strategyHint string) (*api.RecalibrationRun, error) {
	model, err := o.catalog.GetModel(modelID)
	if err != nil {
		return nil, fmt.Errorf("unknown model %s: %w", modelID, err)
	}

	if triggeredBy == "" {
		triggeredBy = "manual"
	}

	run := &api.RecalibrationRun{
		ID:            "run_" + randomSuffix(),
		ModelID:       modelID,
		TriggeredBy:   triggeredBy,
		Strategy:      o.selectStrategy(model.Kind, strategyHint).Name(),
		Status:        api.RunPending,
		TrainingCount: trainingCount,
		StartedAt:     time.Now().UTC(),
	}
	if err := o.runs.SaveRecalibrationRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}
	return run, nil
}

// Execute drives a pending run to a terminal state.
func (o *Orchestrator) Execute(ctx context.Context, run *api.RecalibrationRun, pairs []api.MatchedPair) (*api.RecalibrationRun, error) {
	var strategy Strategy
	switch run.Strategy {
	case api.StrategyCorrection:
		strategy = CorrectionStrategy{}
	case api.StrategyRetrain:
		strategy = RetrainStrategy{Command: o.retrainCmd}
	default:
		return o.fail(ctx, run, fmt.Sprintf("unknown strategy %q", run.Strategy))
	}

	// Before-metrics on the raw predictions. Insufficient data here is a
	// failure: there is nothing to measure a fit against.
	before, err := accuracy.Compute(pairs)
	if err != nil {
		return o.fail(ctx, run, fmt.Sprintf("cannot measure baseline accuracy: %v", err))
	}
	run.Before = &before

	run.Status = api.RunFitting
	if err := o.runs.SaveRecalibrationRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}

	artifact, err := strategy.Fit(pairs)
	if err != nil {
		return o.fail(ctx, run, fmt.Sprintf("fit failed: %v", err))
	}

	ref, err := o.artifacts.Save(run.ModelID, strategy.Name(), artifact)
	if err != nil {
		return o.fail(ctx, run, fmt.Sprintf("artifact persistence failed: %v", err))
	}
	run.ArtifactRef = ref

	// After-metrics: re-predict the same held-out pairs through the fitted
	// artifact. A retrain trigger has no in-process model to re-predict
	// with, so After stays unset until the external training lands.
	if corrected, ok := applyAll(artifact, pairs); ok {
		after, err := accuracy.Compute(corrected)
		if err == nil {
			run.After = &after
		}
	}

	run.Status = api.RunSucceeded
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := o.runs.SaveRecalibrationRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}

	if err := o.catalog.MarkRecalibrated(run.ModelID, now); err != nil {
		return nil, fmt.Errorf("failed to mark model recalibrated: %w", err)
	}

	return run, nil
}

func (o *Orchestrator) selectStrategy(kind api.ModelKind, hint string) Strategy {
	if kind == api.ModelClosed {
		// The hint cannot override a closed model.
		return CorrectionStrategy{}
	}
	if hint == api.StrategyCorrection {
		return CorrectionStrategy{}
	}
	return RetrainStrategy{Command: o.retrainCmd}
}

func (o *Orchestrator) fail(ctx context.Context, run *api.RecalibrationRun, reason string) (*api.RecalibrationRun, error) {
	run.Status = api.RunFailed
	run.Reason = reason
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := o.runs.SaveRecalibrationRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist failed run: %w", err)
	}
	return run, nil
}

// applyAll maps every pair's prediction through the artifact. ok is false
// when the artifact has no in-process application (retrain trigger).
func applyAll(artifact Artifact, pairs []api.MatchedPair) ([]api.MatchedPair, bool) {
	if _, ok := artifact.Apply(0); !ok {
		return nil, false
	}
	out := make([]api.MatchedPair, len(pairs))
	for i, p := range pairs {
		corrected, _ := artifact.Apply(p.Predicted)
		out[i] = p
		out[i].Predicted = corrected
	}
	return out, true
}
