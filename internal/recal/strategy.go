package recal

import (
	"fmt"

	"github.com/helix-bio/recalibra/internal/api"
)

// Strategy fits a recalibration artifact from matched pairs.
type Strategy interface {
	Name() string
	Fit(pairs []api.MatchedPair) (Artifact, error)
}

// Artifact is the result of a fit: an opaque payload for persistence plus,
// when the strategy yields an in-process correction, a way to apply it.
type Artifact interface {
	// Payload returns the JSON-serializable artifact body.
	Payload() interface{}
	// Apply maps a raw prediction to a corrected prediction. Strategies
	// whose fit happens in an external system (full retrain) return the
	// input unchanged and ok=false.
	Apply(predicted float64) (corrected float64, ok bool)
}

// DegenerateInputError reports training data the fit cannot use: empty sets,
// zero-variance targets, or zero-variance predictions. It produces a failed
// run, never a silent no-op artifact.
type DegenerateInputError struct {
	Detail string
}

func (e *DegenerateInputError) Error() string {
	return "degenerate training data: " + e.Detail
}

// CorrectionStrategy fits a lightweight linear correction layer mapping raw
// predictions to corrected predictions: corrected = slope*raw + intercept,
// least-squares over the matched pairs. This is the only recourse for closed
// models, where the underlying system cannot be retrained.
type CorrectionStrategy struct{}

func (CorrectionStrategy) Name() string { return api.StrategyCorrection }

// CorrectionModel is the fitted correction layer.
type CorrectionModel struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	Samples   int     `json:"samples"`
}

func (m *CorrectionModel) Payload() interface{} { return m }

func (m *CorrectionModel) Apply(predicted float64) (float64, bool) {
	return m.Slope*predicted + m.Intercept, true
}

func (CorrectionStrategy) Fit(pairs []api.MatchedPair) (Artifact, error) {
	n := len(pairs)
	if n == 0 {
		return nil, &DegenerateInputError{Detail: "no training pairs"}
	}

	var sumP, sumO float64
	for _, p := range pairs {
		sumP += p.Predicted
		sumO += p.Observed
	}
	meanP := sumP / float64(n)
	meanO := sumO / float64(n)

	var cov, varP, varO float64
	for _, p := range pairs {
		dp := p.Predicted - meanP
		do := p.Observed - meanO
		cov += dp * do
		varP += dp * dp
		varO += do * do
	}

	if varO == 0 {
		return nil, &DegenerateInputError{Detail: "all observed values identical"}
	}
	if varP == 0 {
		return nil, &DegenerateInputError{Detail: "all predicted values identical, no slope to fit"}
	}

	slope := cov / varP
	return &CorrectionModel{
		Slope:     slope,
		Intercept: meanO - slope*meanP,
		Samples:   n,
	}, nil
}

// RetrainStrategy records a full retrain trigger for an open model. The fit
// itself runs in an external training system (Airflow DAG, partner API); the
// artifact here is the durable record of what was requested and on how much
// data, so the external run can be traced back to this one.
type RetrainStrategy struct {
	// Command is the external trigger handle, e.g. a DAG id or API target.
	Command string
}

func (RetrainStrategy) Name() string { return api.StrategyRetrain }

// RetrainTrigger is the persisted retrain request.
type RetrainTrigger struct {
	Command string `json:"command"`
	Samples int    `json:"samples"`
}

func (t *RetrainTrigger) Payload() interface{} { return t }

func (t *RetrainTrigger) Apply(predicted float64) (float64, bool) {
	return predicted, false
}

func (s RetrainStrategy) Fit(pairs []api.MatchedPair) (Artifact, error) {
	if len(pairs) == 0 {
		return nil, &DegenerateInputError{Detail: "no training pairs"}
	}
	if s.Command == "" {
		return nil, fmt.Errorf("retrain strategy requires a trigger command")
	}
	return &RetrainTrigger{Command: s.Command, Samples: len(pairs)}, nil
}
