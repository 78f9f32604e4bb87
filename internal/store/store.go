// Package store persists records, drift checks, and recalibration runs.
// Prediction and observation records are write-once; drift checks and runs
// are append-only audit entries. Every implementation tracks a per-model
// data version marker that advances whenever new records arrive, so caches
// of derived state (matched pairs) can be invalidated correctly; a stale
// pair cache directly causes false negatives in drift detection.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/helix-bio/recalibra/internal/api"
)

// Repository is the storage contract the engine consumes. The core never
// issues queries itself; it is handed already-fetched record sequences.
type Repository interface {
	// AddPredictions appends write-once prediction records.
	AddPredictions(ctx context.Context, records []api.PredictionRecord) error

	// AddObservations appends write-once observation records.
	AddObservations(ctx context.Context, records []api.ObservationRecord) error

	// FetchPredictions returns a model's predictions, optionally since a
	// cutoff (zero time = all).
	FetchPredictions(ctx context.Context, modelID string, since time.Time) ([]api.PredictionRecord, error)

	// FetchObservations returns observations, optionally filtered by entity
	// IDs (nil = all) and a cutoff.
	FetchObservations(ctx context.Context, entityIDs []string, since time.Time) ([]api.ObservationRecord, error)

	// DataVersion returns a marker that changes whenever records relevant
	// to the model change. (modelID, DataVersion) keys any derived cache.
	DataVersion(ctx context.Context, modelID string) (int64, error)

	// SaveDriftCheck appends a drift check audit record, assigning an ID
	// if the result has none.
	SaveDriftCheck(ctx context.Context, result *api.DriftCheckResult) error

	// ListDriftChecks returns a model's checks, newest first.
	ListDriftChecks(ctx context.Context, modelID string, limit int) ([]api.DriftCheckResult, error)

	// SaveRecalibrationRun upserts a run by ID (status transitions advance
	// in place; new invocations get new IDs).
	SaveRecalibrationRun(ctx context.Context, run *api.RecalibrationRun) error

	// GetRecalibrationRun returns a run by ID, or nil if not found.
	GetRecalibrationRun(ctx context.Context, id string) (*api.RecalibrationRun, error)

	// ListRecalibrationRuns returns a model's runs, newest first.
	ListRecalibrationRuns(ctx context.Context, modelID string, limit int) ([]api.RecalibrationRun, error)

	// Close releases resources.
	Close() error
}

// NewID returns a random identifier with the given prefix.
func NewID(prefix string) string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return prefix + "_" + hex.EncodeToString(b[:])
}

// MemoryStore is an in-memory repository with optional JSON file snapshot,
// for local development and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	predictions  []api.PredictionRecord
	observations []api.ObservationRecord
	checks       []api.DriftCheckResult
	runs         map[string]*api.RecalibrationRun
	runOrder     []string
	predVersion  map[string]int64
	obsVersion   int64
	snapshot     string
}

// NewMemoryStore creates a memory store. snapshotPath may be empty. A
// missing snapshot file is a fresh start; an unreadable or corrupt one is an
// error, not an empty store.
func NewMemoryStore(snapshotPath string) (*MemoryStore, error) {
	ms := &MemoryStore{
		runs:        make(map[string]*api.RecalibrationRun),
		predVersion: make(map[string]int64),
		snapshot:    snapshotPath,
	}
	if snapshotPath != "" {
		if err := ms.loadSnapshot(); err != nil {
			return nil, err
		}
	}
	return ms, nil
}

func (m *MemoryStore) AddPredictions(ctx context.Context, records []api.PredictionRecord) error {
	if len(records) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.predictions = append(m.predictions, records...)
	for _, r := range records {
		m.predVersion[r.ModelID]++
	}
	return nil
}

func (m *MemoryStore) AddObservations(ctx context.Context, records []api.ObservationRecord) error {
	if len(records) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observations = append(m.observations, records...)
	// An observation can pair with any model's predictions for its entity,
	// so it conservatively advances every model's version.
	m.obsVersion += int64(len(records))
	return nil
}

func (m *MemoryStore) FetchPredictions(ctx context.Context, modelID string, since time.Time) ([]api.PredictionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []api.PredictionRecord
	for _, p := range m.predictions {
		if p.ModelID != modelID {
			continue
		}
		if !since.IsZero() && p.ProducedAt.Before(since) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *MemoryStore) FetchObservations(ctx context.Context, entityIDs []string, since time.Time) ([]api.ObservationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var wanted map[string]bool
	if entityIDs != nil {
		wanted = make(map[string]bool, len(entityIDs))
		for _, id := range entityIDs {
			wanted[id] = true
		}
	}

	var out []api.ObservationRecord
	for _, o := range m.observations {
		if wanted != nil && !wanted[o.EntityID] {
			continue
		}
		if !since.IsZero() && o.ObservedAt.Before(since) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (m *MemoryStore) DataVersion(ctx context.Context, modelID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.predVersion[modelID] + m.obsVersion, nil
}

func (m *MemoryStore) SaveDriftCheck(ctx context.Context, result *api.DriftCheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if result.ID == "" {
		result.ID = NewID("chk")
	}
	m.checks = append(m.checks, *result)
	return nil
}

func (m *MemoryStore) ListDriftChecks(ctx context.Context, modelID string, limit int) ([]api.DriftCheckResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []api.DriftCheckResult
	for i := len(m.checks) - 1; i >= 0; i-- {
		if m.checks[i].ModelID != modelID {
			continue
		}
		out = append(out, m.checks[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveRecalibrationRun(ctx context.Context, run *api.RecalibrationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; !exists {
		m.runOrder = append(m.runOrder, run.ID)
	}
	copied := *run
	m.runs[run.ID] = &copied
	return nil
}

func (m *MemoryStore) GetRecalibrationRun(ctx context.Context, id string) (*api.RecalibrationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	copied := *run
	return &copied, nil
}

func (m *MemoryStore) ListRecalibrationRuns(ctx context.Context, modelID string, limit int) ([]api.RecalibrationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []api.RecalibrationRun
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		run := m.runs[m.runOrder[i]]
		if run.ModelID != modelID {
			continue
		}
		out = append(out, *run)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

type memorySnapshot struct {
	Predictions  []api.PredictionRecord  `json:"predictions"`
	Observations []api.ObservationRecord `json:"observations"`
	Checks       []api.DriftCheckResult  `json:"drift_checks"`
	Runs         []*api.RecalibrationRun `json:"recalibration_runs"`
	PredVersion  map[string]int64        `json:"pred_version"`
	ObsVersion   int64                   `json:"obs_version"`
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return err
	}

	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.predictions = snap.Predictions
	m.observations = snap.Observations
	m.checks = snap.Checks
	if snap.PredVersion != nil {
		m.predVersion = snap.PredVersion
	}
	m.obsVersion = snap.ObsVersion
	for _, run := range snap.Runs {
		m.runs[run.ID] = run
		m.runOrder = append(m.runOrder, run.ID)
	}
	sort.SliceStable(m.runOrder, func(i, j int) bool {
		return m.runs[m.runOrder[i]].StartedAt.Before(m.runs[m.runOrder[j]].StartedAt)
	})
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	snap := memorySnapshot{
		Predictions:  m.predictions,
		Observations: m.observations,
		Checks:       m.checks,
		PredVersion:  m.predVersion,
		ObsVersion:   m.obsVersion,
	}
	for _, id := range m.runOrder {
		snap.Runs = append(snap.Runs, m.runs[id])
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.snapshot, data, 0600)
}
