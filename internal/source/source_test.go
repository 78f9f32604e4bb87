package source

import (
	"context"
	"testing"
	"time"

	"github.com/helix-bio/recalibra/internal/api"
	"github.com/helix-bio/recalibra/internal/cache"
	"github.com/helix-bio/recalibra/internal/drift"
	"github.com/helix-bio/recalibra/internal/store"
)

func seedStore(t *testing.T, ctx context.Context, repo store.Repository) {
	t.Helper()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if err := repo.AddPredictions(ctx, []api.PredictionRecord{
		{EntityID: "mol-1", ModelID: "m1", Predicted: 1.0, ProducedAt: base},
		{EntityID: "mol-2", ModelID: "m1", Predicted: 2.0, ProducedAt: base},
	}); err != nil {
		t.Fatalf("AddPredictions failed: %v", err)
	}
	if err := repo.AddObservations(ctx, []api.ObservationRecord{
		{EntityID: "mol-1", AssayID: "a", Observed: 1.1, ObservedAt: base.Add(time.Hour)},
		{EntityID: "mol-2", AssayID: "a", Observed: 2.2, ObservedAt: base.Add(2 * time.Hour)},
		{EntityID: "mol-9", AssayID: "a", Observed: 9.9, ObservedAt: base.Add(time.Hour)},
	}); err != nil {
		t.Fatalf("AddObservations failed: %v", err)
	}
}

func TestRealSourceAlignsStoredRecords(t *testing.T) {
	ctx := context.Background()
	repo, _ := store.NewMemoryStore("")
	seedStore(t, ctx, repo)

	local, _ := cache.NewPairCache(10, 0)
	src := NewRealSource(repo, local, nil)

	alignment, err := src.Pairs(ctx, "m1")
	if err != nil {
		t.Fatalf("Pairs failed: %v", err)
	}
	if len(alignment.Pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d", len(alignment.Pairs))
	}
	// mol-9 has no prediction for m1, so the fetch never sees it and it
	// cannot count as skipped.
	if alignment.Skipped != 0 {
		t.Errorf("expected 0 skipped, got %d", alignment.Skipped)
	}
}

func TestRealSourceCachesByDataVersion(t *testing.T) {
	ctx := context.Background()
	repo, _ := store.NewMemoryStore("")
	seedStore(t, ctx, repo)

	local, _ := cache.NewPairCache(10, 0)
	src := NewRealSource(repo, local, nil)

	if _, err := src.Pairs(ctx, "m1"); err != nil {
		t.Fatalf("first Pairs failed: %v", err)
	}
	if _, err := src.Pairs(ctx, "m1"); err != nil {
		t.Fatalf("second Pairs failed: %v", err)
	}
	if stats := local.Stats(); stats.Hits != 1 {
		t.Errorf("second call should hit the cache, stats: %+v", stats)
	}

	// New records advance the version; the cache must not serve the old set.
	if err := repo.AddObservations(ctx, []api.ObservationRecord{
		{EntityID: "mol-1", AssayID: "b", Observed: 1.5, ObservedAt: time.Now().UTC()},
	}); err != nil {
		t.Fatalf("AddObservations failed: %v", err)
	}
	alignment, err := src.Pairs(ctx, "m1")
	if err != nil {
		t.Fatalf("post-insert Pairs failed: %v", err)
	}
	if len(alignment.Pairs) != 2 {
		t.Errorf("expected realignment with 2 pairs, got %d", len(alignment.Pairs))
	}
}

func TestSyntheticSourceDeterministicAndDrifting(t *testing.T) {
	ctx := context.Background()

	a, err := DefaultSynthetic(42).Pairs(ctx, "demo")
	if err != nil {
		t.Fatalf("synthetic Pairs failed: %v", err)
	}
	b, _ := DefaultSynthetic(42).Pairs(ctx, "demo")

	if len(a.Pairs) != 200 {
		t.Fatalf("expected 200 pairs, got %d", len(a.Pairs))
	}
	for i := range a.Pairs {
		if a.Pairs[i].Predicted != b.Pairs[i].Predicted || a.Pairs[i].Observed != b.Pairs[i].Observed {
			t.Fatalf("same seed must reproduce the series exactly, differs at %d", i)
		}
	}
	if a.Pairs[0].Context["origin"] != "synthetic" {
		t.Error("synthetic pairs must be labeled in context")
	}

	result := drift.Check("demo", a.Pairs, api.DefaultDriftConfig())
	if !result.Drifted() {
		t.Errorf("default synthetic shift should trigger drift, got %+v", result)
	}
}
