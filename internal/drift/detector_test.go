package drift

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/helix-bio/recalibra/internal/api"
)

// makePairs builds time-ordered pairs with observed values drawn from a
// seeded normal distribution and predictions within predJitter of observed.
func makePairs(rng *rand.Rand, n int, mean, sd, predJitter float64, start time.Time) []api.MatchedPair {
	pairs := make([]api.MatchedPair, n)
	for i := 0; i < n; i++ {
		obs := mean + rng.NormFloat64()*sd
		pred := obs + (rng.Float64()*2-1)*predJitter
		pairs[i] = api.MatchedPair{
			EntityID:  "e",
			Predicted: pred,
			Observed:  obs,
			Timestamp: start.Add(time.Duration(i) * time.Hour),
		}
	}
	return pairs
}

func TestCheck_MeanShiftTriggersKSAndPSI(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	baseline := makePairs(rng, 150, 5.0, 0.5, 0.3, t0)
	recent := makePairs(rng, 50, 9.0, 0.5, 0.3, t0.Add(150*time.Hour))
	pairs := append(baseline, recent...)

	cfg := api.DefaultDriftConfig()
	cfg.RecentCount = 50

	res := Check("model-1", pairs, cfg)
	if !res.Drifted() {
		t.Fatalf("expected drift verdict, got Detected=%v reason=%q", res.Detected, res.Reason)
	}
	if res.KSPValue >= 0.05 {
		t.Errorf("KS p-value = %v, want < 0.05", res.KSPValue)
	}
	if res.PSI <= 0.25 {
		t.Errorf("PSI = %v, want > 0.25", res.PSI)
	}

	fired := map[string]bool{}
	for _, name := range res.TriggeredTests {
		fired[name] = true
	}
	if !fired[TestKS] {
		t.Errorf("KS should be in triggered tests, got %v", res.TriggeredTests)
	}
	if !fired[TestPSI] {
		t.Errorf("PSI should be in triggered tests, got %v", res.TriggeredTests)
	}

	if res.Baseline.Size != 150 || res.Recent.Size != 50 {
		t.Errorf("window sizes = %d/%d, want 150/50", res.Baseline.Size, res.Recent.Size)
	}
	if res.Accuracy.N != 50 {
		t.Errorf("accuracy snapshot should cover the recent window, N=%d", res.Accuracy.N)
	}
}

func TestCheck_NoDriftOnIdenticalDistributions(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// 20 pairs, zero noise, same value cycle in both windows.
	values := []float64{1, 2, 3, 4, 5, 1, 2, 3, 4, 5}
	pairs := make([]api.MatchedPair, 0, 20)
	for i := 0; i < 20; i++ {
		v := values[i%10]
		pairs = append(pairs, api.MatchedPair{
			EntityID:  "e",
			Predicted: v,
			Observed:  v,
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
		})
	}

	cfg := api.DefaultDriftConfig()
	cfg.BaselineFraction = 0.5

	res := Check("model-1", pairs, cfg)
	if res.Detected == nil {
		t.Fatalf("expected a verdict, got insufficient data: %s", res.Reason)
	}
	if *res.Detected {
		t.Errorf("expected no drift, triggered: %v", res.TriggeredTests)
	}
	if res.KSStatistic > 1e-9 {
		t.Errorf("KS statistic = %v, want ~0", res.KSStatistic)
	}
	if math.Abs(res.PSI) > 1e-9 {
		t.Errorf("PSI = %v, want ~0", res.PSI)
	}
	if math.Abs(res.KLDivergence) > 1e-9 {
		t.Errorf("KL = %v, want ~0", res.KLDivergence)
	}
}

func TestCheck_InsufficientDataIsNotAVerdict(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	pairs := makePairs(rng, 12, 5.0, 0.5, 0.3, t0) // recent window will be 3

	res := Check("model-1", pairs, api.DefaultDriftConfig())
	if res.Detected != nil {
		t.Fatalf("expected nil verdict for undersized windows, got %v", *res.Detected)
	}
	if res.Reason == "" {
		t.Error("insufficient-data result must carry a reason")
	}
	if res.Drifted() {
		t.Error("Drifted() must be false for an insufficient-data result")
	}
}

func TestCheck_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	pairs := append(
		makePairs(rng, 100, 5.0, 0.5, 0.3, t0),
		makePairs(rng, 40, 6.5, 0.5, 0.3, t0.Add(100*time.Hour))...,
	)
	cfg := api.DefaultDriftConfig()
	cfg.RecentCount = 40

	a := Check("model-1", pairs, cfg)
	b := Check("model-1", pairs, cfg)

	if a.KSStatistic != b.KSStatistic || a.KSPValue != b.KSPValue ||
		a.PSI != b.PSI || a.KLDivergence != b.KLDivergence ||
		a.ResidualKSStat != b.ResidualKSStat || a.ResidualKSP != b.ResidualKSP {
		t.Error("repeated checks over the same input must produce bit-identical statistics")
	}
}

func TestCheck_ResidualShiftWithStableTargets(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// Observed distribution stays put; the model develops a +3 bias.
	pairs := make([]api.MatchedPair, 0, 200)
	for i := 0; i < 200; i++ {
		obs := 5.0 + rng.NormFloat64()*0.5
		pred := obs + rng.NormFloat64()*0.1
		if i >= 150 {
			pred += 3.0
		}
		pairs = append(pairs, api.MatchedPair{
			EntityID:  "e",
			Predicted: pred,
			Observed:  obs,
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
		})
	}

	cfg := api.DefaultDriftConfig()
	cfg.RecentCount = 50

	res := Check("model-1", pairs, cfg)
	if !res.Drifted() {
		t.Fatalf("expected drift from residual shift, got Detected=%v", res.Detected)
	}

	fired := map[string]bool{}
	for _, name := range res.TriggeredTests {
		fired[name] = true
	}
	if !fired[TestResidualKS] {
		t.Errorf("residual KS should fire on a biased model, triggered: %v", res.TriggeredTests)
	}
}

func TestSplitAt(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	pairs := make([]api.MatchedPair, 10)
	for i := range pairs {
		pairs[i] = api.MatchedPair{Timestamp: t0.Add(time.Duration(i) * time.Hour)}
	}

	baseline, recent := SplitAt(pairs, t0.Add(7*time.Hour))
	if len(baseline) != 7 || len(recent) != 3 {
		t.Errorf("SplitAt sizes = %d/%d, want 7/3", len(baseline), len(recent))
	}

	baseline, recent = SplitAt(pairs, t0.Add(100*time.Hour))
	if len(baseline) != 10 || len(recent) != 0 {
		t.Errorf("cutoff after all pairs: sizes = %d/%d, want 10/0", len(baseline), len(recent))
	}
}

func TestKSPValue_Bounds(t *testing.T) {
	if p := ksPValue(0, 100, 100); p != 1.0 {
		t.Errorf("ksPValue(0) = %v, want 1", p)
	}
	if p := ksPValue(1.0, 100, 100); p > 1e-6 {
		t.Errorf("ksPValue(1.0) = %v, want ~0", p)
	}
}

func TestPSI_IdenticalWindowsNearZero(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	sample := make([]float64, 500)
	for i := range sample {
		sample[i] = rng.NormFloat64()
	}

	edges := baselineBinEdges(sample, 10)
	basePct := binPercentages(sample, edges)
	recPct := binPercentages(sample, edges)

	if v := psi(basePct, recPct); math.Abs(v) > 1e-12 {
		t.Errorf("PSI of a window against itself = %v, want 0", v)
	}
}
