// Package drift decides whether a model's recent behavior has diverged from
// its established baseline. It compares the observed-value distributions of
// a baseline window and a recent window with independent statistical tests
// (two-sample KS, PSI, symmetric KL, plus KS on residuals) and combines them
// with OR semantics: any firing test yields a drift verdict. The bias toward
// sensitivity is deliberate; a false positive costs a review, a missed drift
// costs trust in every downstream number.
package drift

import (
	"fmt"
	"time"

	"github.com/helix-bio/recalibra/internal/accuracy"
	"github.com/helix-bio/recalibra/internal/api"
)

// Test names recorded in DriftCheckResult.TriggeredTests.
const (
	TestKS         = "ks"
	TestResidualKS = "residual_ks"
	TestPSI        = "psi"
	TestKL         = "kl"
)

// Check runs a drift check over time-ordered matched pairs.
//
// Pairs must be ordered ascending by timestamp (the aligner's contract).
// The split takes the first BaselineFraction share as the baseline window
// and the rest as the recent window; cfg.RecentCount > 0 instead pins the
// recent window to the last RecentCount pairs. Either window falling below
// cfg.MinWindowSize yields a result with Detected == nil and a reason, which
// callers must surface as "not enough data yet", never as "no drift".
//
// Stateless and deterministic: the same pairs and config produce bit-identical
// statistics on every call.
func Check(modelID string, pairs []api.MatchedPair, cfg api.DriftConfig) *api.DriftCheckResult {
	res := &api.DriftCheckResult{
		ModelID:   modelID,
		CheckedAt: time.Now().UTC(),
	}

	baseline, recent := split(pairs, cfg)
	res.Baseline = describeWindow(baseline)
	res.Recent = describeWindow(recent)

	minSize := cfg.MinWindowSize
	if minSize < accuracy.MinSamples {
		minSize = accuracy.MinSamples
	}
	if len(baseline) < minSize || len(recent) < minSize {
		res.Reason = insufficientReason(len(baseline), len(recent), minSize)
		return res
	}

	baseObs := observedValues(baseline)
	recObs := observedValues(recent)

	// KS on observed-value distributions.
	res.KSStatistic = ksTwoSample(baseObs, recObs)
	res.KSPValue = ksPValue(res.KSStatistic, len(baseObs), len(recObs))

	// KS on residual distributions: catches a model going wrong while the
	// assay targets themselves stay stable.
	baseRes := residuals(baseline)
	recRes := residuals(recent)
	res.ResidualKSStat = ksTwoSample(baseRes, recRes)
	res.ResidualKSP = ksPValue(res.ResidualKSStat, len(baseRes), len(recRes))

	// PSI and KL over baseline-quantile bins.
	edges := baselineBinEdges(baseObs, cfg.Bins)
	basePct := binPercentages(baseObs, edges)
	recPct := binPercentages(recObs, edges)
	res.PSI = psi(basePct, recPct)
	res.KLDivergence = symmetricKL(basePct, recPct)

	var triggered []string
	if res.KSPValue < cfg.KSAlpha {
		triggered = append(triggered, TestKS)
	}
	if res.ResidualKSP < cfg.KSAlpha {
		triggered = append(triggered, TestResidualKS)
	}
	if res.PSI > cfg.PSIThreshold {
		triggered = append(triggered, TestPSI)
	}
	if cfg.KLThreshold > 0 && res.KLDivergence > cfg.KLThreshold {
		triggered = append(triggered, TestKL)
	}

	detected := len(triggered) > 0
	res.Detected = &detected
	res.TriggeredTests = triggered

	if snap, err := accuracy.Compute(recent); err == nil {
		res.Accuracy = snap
	}

	return res
}

// split divides time-ordered pairs into baseline (older) and recent (newer)
// windows per the configured policy.
func split(pairs []api.MatchedPair, cfg api.DriftConfig) (baseline, recent []api.MatchedPair) {
	n := len(pairs)
	if n == 0 {
		return nil, nil
	}

	var cut int
	if cfg.RecentCount > 0 {
		cut = n - cfg.RecentCount
		if cut < 0 {
			cut = 0
		}
	} else {
		frac := cfg.BaselineFraction
		if frac <= 0 || frac >= 1 {
			frac = 0.75
		}
		cut = int(float64(n) * frac)
	}

	return pairs[:cut], pairs[cut:]
}

// SplitAt divides pairs at a time cutoff: everything observed before the
// cutoff is baseline, the rest recent. Callers using time-based windows
// (e.g. "all pairs older than 30 days" vs "last 7 days") split here and run
// Check with RecentCount covering the recent side.
func SplitAt(pairs []api.MatchedPair, cutoff time.Time) (baseline, recent []api.MatchedPair) {
	// Pairs are time-ordered, so the cutoff is a single boundary scan.
	idx := len(pairs)
	for i, p := range pairs {
		if !p.Timestamp.Before(cutoff) {
			idx = i
			break
		}
	}
	return pairs[:idx], pairs[idx:]
}

func describeWindow(pairs []api.MatchedPair) api.Window {
	w := api.Window{Size: len(pairs)}
	if len(pairs) > 0 {
		w.Start = pairs[0].Timestamp
		w.End = pairs[len(pairs)-1].Timestamp
	}
	return w
}

func observedValues(pairs []api.MatchedPair) []float64 {
	vals := make([]float64, len(pairs))
	for i, p := range pairs {
		vals[i] = p.Observed
	}
	return vals
}

func residuals(pairs []api.MatchedPair) []float64 {
	vals := make([]float64, len(pairs))
	for i, p := range pairs {
		vals[i] = p.Residual()
	}
	return vals
}

func insufficientReason(baselineN, recentN, min int) string {
	return fmt.Sprintf("insufficient data: baseline=%d recent=%d min=%d", baselineN, recentN, min)
}
