package api

import (
	"time"
)

// PredictionRecord is a single model output for an entity (molecule, subject).
// Records are write-once; the ingestion pipeline owns their creation.
type PredictionRecord struct {
	EntityID   string            `json:"entity_id"`
	ModelID    string            `json:"model_id"`
	Predicted  float64           `json:"predicted_value"`
	Confidence *float64          `json:"confidence,omitempty"` // optional, in [0,1]
	Context    map[string]string `json:"context,omitempty"`    // reagent batch, instrument id, assay version...
	ProducedAt time.Time         `json:"produced_at"`
}

// ObservationRecord is a ground-truth measurement for an entity.
// Records are write-once.
type ObservationRecord struct {
	EntityID    string            `json:"entity_id"`
	AssayID     string            `json:"assay_id"`
	Observed    float64           `json:"observed_value"`
	Uncertainty *float64          `json:"uncertainty,omitempty"` // optional, non-negative
	Context     map[string]string `json:"context,omitempty"`
	ObservedAt  time.Time         `json:"observed_at"`
}

// MatchedPair joins one prediction to the observation that confirmed or
// contradicted it. Timestamp is the observation's timestamp: that anchors
// when ground truth became known. Context merges both sides, with the
// observation winning on conflicting keys.
type MatchedPair struct {
	EntityID  string            `json:"entity_id"`
	Predicted float64           `json:"predicted_value"`
	Observed  float64           `json:"observed_value"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Residual returns predicted - observed.
func (p MatchedPair) Residual() float64 {
	return p.Predicted - p.Observed
}

// ModelKind classifies how much of a model the system can touch.
type ModelKind string

const (
	// ModelOpen means internals are retrainable in place.
	ModelOpen ModelKind = "open"
	// ModelClosed means the model is an opaque external system; only a
	// post-hoc correction layer can be applied.
	ModelClosed ModelKind = "closed"
)

// Window describes one side of a baseline/recent split.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Size  int       `json:"size"`
}

// AccuracySnapshot is the point-accuracy summary over a pair set.
// RSquared is a pointer: nil means undefined (zero-variance observations
// with nonzero residuals), which callers must render as an absence rather
// than a number.
type AccuracySnapshot struct {
	RMSE     float64  `json:"rmse"`
	MAE      float64  `json:"mae"`
	RSquared *float64 `json:"r_squared"`
	N        int      `json:"n"`
}

// DriftCheckResult is the append-only audit record of one drift check.
// Detected is a pointer: nil means the check could not produce a verdict
// (insufficient data) and Reason says why. Callers must never read nil as
// "no drift".
type DriftCheckResult struct {
	ID             string           `json:"id"`
	ModelID        string           `json:"model_id"`
	CheckedAt      time.Time        `json:"checked_at"`
	Baseline       Window           `json:"baseline_window"`
	Recent         Window           `json:"recent_window"`
	KSStatistic    float64          `json:"ks_statistic"`
	KSPValue       float64          `json:"ks_p_value"`
	ResidualKSStat float64          `json:"residual_ks_statistic"`
	ResidualKSP    float64          `json:"residual_ks_p_value"`
	PSI            float64          `json:"psi_value"`
	KLDivergence   float64          `json:"kl_divergence"`
	Detected       *bool            `json:"drift_detected"`
	TriggeredTests []string         `json:"triggered_tests,omitempty"`
	Accuracy       AccuracySnapshot `json:"accuracy"`
	Reason         string           `json:"reason,omitempty"`
}

// Drifted reports whether the check produced a positive verdict.
// An insufficient-data result is not a verdict.
func (r *DriftCheckResult) Drifted() bool {
	return r.Detected != nil && *r.Detected
}

// Recalibration strategies.
const (
	StrategyRetrain    = "retrain"
	StrategyCorrection = "correction"
)

// RecalibrationRun states. Terminal states are succeeded and failed.
const (
	RunPending   = "pending"
	RunFitting   = "fitting"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// RecalibrationRun is the append-only audit record of one recalibration
// attempt. Re-running for the same model always creates a new run; previous
// runs are never mutated.
type RecalibrationRun struct {
	ID             string            `json:"id"`
	ModelID        string            `json:"model_id"`
	TriggeredBy    string            `json:"triggered_by"` // drift check id or "manual"
	Strategy       string            `json:"strategy"`
	Status         string            `json:"status"`
	Before         *AccuracySnapshot `json:"before_metrics,omitempty"`
	After          *AccuracySnapshot `json:"after_metrics,omitempty"`
	TrainingCount  int               `json:"training_sample_count"`
	ArtifactRef    string            `json:"artifact_reference,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Terminal reports whether the run has reached a final state.
func (r *RecalibrationRun) Terminal() bool {
	return r.Status == RunSucceeded || r.Status == RunFailed
}

// DriftConfig carries every drift threshold and windowing knob. It is passed
// explicitly into each check; there is no ambient default state to mutate.
type DriftConfig struct {
	KSAlpha          float64 `json:"ks_alpha"`          // p-value cutoff, test fires below it
	PSIThreshold     float64 `json:"psi_threshold"`     // PSI > threshold fires (0.25 = significant shift)
	KLThreshold      float64 `json:"kl_threshold"`      // symmetric KL gate, supplementary
	MinWindowSize    int     `json:"min_window_size"`   // both windows need at least this many pairs
	BaselineFraction float64 `json:"baseline_fraction"` // share of ordered pairs forming the baseline
	RecentCount      int     `json:"recent_count"`      // if > 0, fixed-size recent window overrides the fraction
	Bins             int     `json:"bins"`              // PSI/KL bin count (baseline quantiles)
}

// DefaultDriftConfig returns the standard thresholds: KS at 5% significance,
// PSI at the conventional 0.25 "significant shift" mark, deciles for binning.
func DefaultDriftConfig() DriftConfig {
	return DriftConfig{
		KSAlpha:          0.05,
		PSIThreshold:     0.25,
		KLThreshold:      0.5,
		MinWindowSize:    10,
		BaselineFraction: 0.75,
		RecentCount:      0,
		Bins:             10,
	}
}

// BucketSize selects the calendar granularity for time-bucketed metrics.
type BucketSize string

const (
	BucketDay   BucketSize = "day"
	BucketWeek  BucketSize = "week"
	BucketMonth BucketSize = "month"
)

// MetricsTimeseries holds per-bucket accuracy metrics as parallel slices.
// Buckets with fewer than two pairs are omitted, so every slice has the same
// length and Buckets[i] labels the i-th entry of each metric slice. An
// RSquared entry is nil when R² is undefined for that bucket, mirroring the
// AccuracySnapshot sentinel.
type MetricsTimeseries struct {
	Buckets  []string   `json:"time_buckets"`
	RMSE     []float64  `json:"rmse"`
	MAE      []float64  `json:"mae"`
	RSquared []*float64 `json:"r_squared"`
	N        []int      `json:"n"`
}

// Model describes a registered predictive model under monitoring.
type Model struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Kind            ModelKind  `json:"kind"`
	SourceSystem    string     `json:"source_system,omitempty"` // "MOE", "benchling", "custom"...
	Version         string     `json:"version,omitempty"`
	Description     string     `json:"description,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	LastRecalibrated *time.Time `json:"last_recalibrated_at,omitempty"`
}
