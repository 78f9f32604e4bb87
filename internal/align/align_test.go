package align

import (
	"testing"
	"time"

	"github.com/helix-bio/recalibra/internal/api"
)

func pred(entity string, value float64, at time.Time) api.PredictionRecord {
	return api.PredictionRecord{
		EntityID:   entity,
		ModelID:    "model-1",
		Predicted:  value,
		ProducedAt: at,
	}
}

func obs(entity string, value float64, at time.Time) api.ObservationRecord {
	return api.ObservationRecord{
		EntityID:   entity,
		AssayID:    "assay-1",
		Observed:   value,
		ObservedAt: at,
	}
}

func TestAlign_LatestPriorPredictionWins(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	preds := []api.PredictionRecord{
		pred("MOL-1", 1.0, t0),
		pred("MOL-1", 2.0, t0.Add(24*time.Hour)),
		pred("MOL-1", 3.0, t0.Add(72*time.Hour)), // after the observation
	}
	observations := []api.ObservationRecord{
		obs("MOL-1", 2.1, t0.Add(48*time.Hour)),
	}

	res := Align(preds, observations)
	if len(res.Pairs) != 1 {
		t.Fatalf("expected 1 pair, got %d", len(res.Pairs))
	}
	if res.Skipped != 0 {
		t.Errorf("expected 0 skipped, got %d", res.Skipped)
	}
	if res.Pairs[0].Predicted != 2.0 {
		t.Errorf("expected latest prior prediction 2.0, got %v", res.Pairs[0].Predicted)
	}
}

func TestAlign_NeverPairsFuturePrediction(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	preds := []api.PredictionRecord{
		pred("MOL-1", 5.0, t0.Add(time.Hour)), // produced after the observation
	}
	observations := []api.ObservationRecord{
		obs("MOL-1", 4.9, t0),
	}

	res := Align(preds, observations)
	if len(res.Pairs) != 0 {
		t.Fatalf("expected no pairs, got %d", len(res.Pairs))
	}
	if res.Skipped != 1 {
		t.Errorf("expected 1 skipped observation, got %d", res.Skipped)
	}
}

func TestAlign_OrderingByTimestampThenEntity(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	preds := []api.PredictionRecord{
		pred("b", 1.0, t0),
		pred("a", 1.0, t0),
		pred("c", 1.0, t0),
	}
	observations := []api.ObservationRecord{
		obs("c", 1.0, t0.Add(time.Hour)),
		obs("b", 1.0, t0.Add(2*time.Hour)),
		obs("a", 1.0, t0.Add(time.Hour)),
	}

	res := Align(preds, observations)
	if len(res.Pairs) != 3 {
		t.Fatalf("expected 3 pairs, got %d", len(res.Pairs))
	}

	got := []string{res.Pairs[0].EntityID, res.Pairs[1].EntityID, res.Pairs[2].EntityID}
	want := []string{"a", "c", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v, want %v", got, want)
		}
	}
}

func TestAlign_DuplicateTimestampsRetained(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	preds := []api.PredictionRecord{pred("MOL-1", 1.0, t0)}
	// Replicate wells: two observations at the same instant.
	observations := []api.ObservationRecord{
		obs("MOL-1", 1.1, t0.Add(time.Hour)),
		obs("MOL-1", 0.9, t0.Add(time.Hour)),
	}

	res := Align(preds, observations)
	if len(res.Pairs) != 2 {
		t.Fatalf("expected 2 pairs for replicate observations, got %d", len(res.Pairs))
	}
}

func TestAlign_ContextMergeObservationWins(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	p := pred("MOL-1", 1.0, t0)
	p.Context = map[string]string{"instrument_id": "pred-side", "assay_version": "2.0"}
	o := obs("MOL-1", 1.2, t0.Add(time.Hour))
	o.Context = map[string]string{"instrument_id": "obs-side", "reagent_batch": "RB-7"}

	res := Align([]api.PredictionRecord{p}, []api.ObservationRecord{o})
	if len(res.Pairs) != 1 {
		t.Fatalf("expected 1 pair, got %d", len(res.Pairs))
	}

	ctx := res.Pairs[0].Context
	if ctx["instrument_id"] != "obs-side" {
		t.Errorf("observation context should win on conflict, got %q", ctx["instrument_id"])
	}
	if ctx["assay_version"] != "2.0" {
		t.Errorf("prediction-only key should survive, got %q", ctx["assay_version"])
	}
	if ctx["reagent_batch"] != "RB-7" {
		t.Errorf("observation-only key should survive, got %q", ctx["reagent_batch"])
	}
}

func TestAlign_EmptyInputs(t *testing.T) {
	res := Align(nil, nil)
	if len(res.Pairs) != 0 || res.Skipped != 0 {
		t.Errorf("empty inputs should yield empty result, got %+v", res)
	}
}
