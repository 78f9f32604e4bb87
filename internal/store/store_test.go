package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/helix-bio/recalibra/internal/api"
)

func newTestStore(t *testing.T, path string) *MemoryStore {
	t.Helper()
	ms, err := NewMemoryStore(path)
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	return ms
}

func TestMemoryStoreFetchPredictions(t *testing.T) {
	ctx := context.Background()
	ms := newTestStore(t, "")

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	err := ms.AddPredictions(ctx, []api.PredictionRecord{
		{EntityID: "mol-1", ModelID: "solubility-v2", Predicted: 1.0, ProducedAt: base},
		{EntityID: "mol-2", ModelID: "solubility-v2", Predicted: 2.0, ProducedAt: base.Add(48 * time.Hour)},
		{EntityID: "mol-3", ModelID: "other-model", Predicted: 3.0, ProducedAt: base},
	})
	if err != nil {
		t.Fatalf("AddPredictions failed: %v", err)
	}

	all, err := ms.FetchPredictions(ctx, "solubility-v2", time.Time{})
	if err != nil {
		t.Fatalf("FetchPredictions failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 predictions, got %d", len(all))
	}

	recent, err := ms.FetchPredictions(ctx, "solubility-v2", base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("FetchPredictions with cutoff failed: %v", err)
	}
	if len(recent) != 1 || recent[0].EntityID != "mol-2" {
		t.Errorf("cutoff fetch returned wrong records: %+v", recent)
	}
}

func TestMemoryStoreFetchObservationsByEntity(t *testing.T) {
	ctx := context.Background()
	ms := newTestStore(t, "")

	now := time.Now().UTC()
	if err := ms.AddObservations(ctx, []api.ObservationRecord{
		{EntityID: "mol-1", AssayID: "assay-a", Observed: 1.1, ObservedAt: now},
		{EntityID: "mol-2", AssayID: "assay-a", Observed: 2.2, ObservedAt: now},
		{EntityID: "mol-3", AssayID: "assay-b", Observed: 3.3, ObservedAt: now},
	}); err != nil {
		t.Fatalf("AddObservations failed: %v", err)
	}

	obs, err := ms.FetchObservations(ctx, []string{"mol-1", "mol-3"}, time.Time{})
	if err != nil {
		t.Fatalf("FetchObservations failed: %v", err)
	}
	if len(obs) != 2 {
		t.Errorf("expected 2 observations, got %d", len(obs))
	}

	all, err := ms.FetchObservations(ctx, nil, time.Time{})
	if err != nil {
		t.Fatalf("FetchObservations(nil) failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("nil filter should return all 3, got %d", len(all))
	}
}

func TestMemoryStoreDataVersionAdvances(t *testing.T) {
	ctx := context.Background()
	ms := newTestStore(t, "")

	v0, _ := ms.DataVersion(ctx, "m1")

	ms.AddPredictions(ctx, []api.PredictionRecord{{EntityID: "e1", ModelID: "m1", ProducedAt: time.Now()}})
	v1, _ := ms.DataVersion(ctx, "m1")
	if v1 == v0 {
		t.Error("prediction insert should advance the model's data version")
	}

	other, _ := ms.DataVersion(ctx, "m2")
	ms.AddObservations(ctx, []api.ObservationRecord{{EntityID: "e1", AssayID: "a", ObservedAt: time.Now()}})
	otherAfter, _ := ms.DataVersion(ctx, "m2")
	if otherAfter == other {
		t.Error("observation insert should advance every model's data version")
	}
}

func TestMemoryStoreDriftChecks(t *testing.T) {
	ctx := context.Background()
	ms := newTestStore(t, "")

	yes := true
	for i := 0; i < 3; i++ {
		res := &api.DriftCheckResult{ModelID: "m1", CheckedAt: time.Now(), Detected: &yes}
		if err := ms.SaveDriftCheck(ctx, res); err != nil {
			t.Fatalf("SaveDriftCheck failed: %v", err)
		}
		if res.ID == "" {
			t.Fatal("SaveDriftCheck should assign an ID")
		}
	}
	ms.SaveDriftCheck(ctx, &api.DriftCheckResult{ModelID: "m2", CheckedAt: time.Now()})

	checks, err := ms.ListDriftChecks(ctx, "m1", 2)
	if err != nil {
		t.Fatalf("ListDriftChecks failed: %v", err)
	}
	if len(checks) != 2 {
		t.Errorf("limit 2 should return 2 checks, got %d", len(checks))
	}
}

func TestMemoryStoreRunUpsert(t *testing.T) {
	ctx := context.Background()
	ms := newTestStore(t, "")

	run := &api.RecalibrationRun{ID: "run_1", ModelID: "m1", Status: api.RunPending, StartedAt: time.Now()}
	if err := ms.SaveRecalibrationRun(ctx, run); err != nil {
		t.Fatalf("SaveRecalibrationRun failed: %v", err)
	}

	run.Status = api.RunSucceeded
	if err := ms.SaveRecalibrationRun(ctx, run); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := ms.GetRecalibrationRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRecalibrationRun failed: %v", err)
	}
	if got == nil || got.Status != api.RunSucceeded {
		t.Errorf("expected succeeded run, got %+v", got)
	}

	runs, err := ms.ListRecalibrationRuns(ctx, "m1", 0)
	if err != nil {
		t.Fatalf("ListRecalibrationRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("upsert should not duplicate the run, got %d entries", len(runs))
	}

	missing, err := ms.GetRecalibrationRun(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("missing run should be (nil, nil), got (%v, %v)", missing, err)
	}
}

func TestMemoryStoreSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	ms := newTestStore(t, path)
	ms.AddPredictions(ctx, []api.PredictionRecord{{EntityID: "e1", ModelID: "m1", Predicted: 4.2, ProducedAt: time.Now().UTC()}})
	ms.AddObservations(ctx, []api.ObservationRecord{{EntityID: "e1", AssayID: "a", Observed: 4.0, ObservedAt: time.Now().UTC()}})
	ms.SaveRecalibrationRun(ctx, &api.RecalibrationRun{ID: "run_9", ModelID: "m1", Status: api.RunFailed, StartedAt: time.Now().UTC()})
	if err := ms.Close(); err != nil {
		t.Fatalf("Close (snapshot save) failed: %v", err)
	}

	reloaded := newTestStore(t, path)
	preds, _ := reloaded.FetchPredictions(ctx, "m1", time.Time{})
	if len(preds) != 1 {
		t.Errorf("expected 1 prediction after reload, got %d", len(preds))
	}
	run, _ := reloaded.GetRecalibrationRun(ctx, "run_9")
	if run == nil || run.Status != api.RunFailed {
		t.Errorf("run not restored: %+v", run)
	}
	v, _ := reloaded.DataVersion(ctx, "m1")
	if v == 0 {
		t.Error("data version should survive reload")
	}
}

func TestMemoryStoreCorruptSnapshotRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("writing snapshot: %v", err)
	}

	if _, err := NewMemoryStore(path); err == nil {
		t.Error("corrupt snapshot should fail open, not start an empty store")
	}

	// A missing snapshot is a fresh start, not an error.
	fresh, err := NewMemoryStore(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil || fresh == nil {
		t.Errorf("missing snapshot should open fresh, got (%v, %v)", fresh, err)
	}
}

func TestNewIDPrefix(t *testing.T) {
	a := NewID("chk")
	b := NewID("chk")
	if a == b {
		t.Error("consecutive IDs should differ")
	}
	if len(a) < 5 || a[:4] != "chk_" {
		t.Errorf("unexpected ID format: %s", a)
	}
}
