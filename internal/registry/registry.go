// Package registry tracks the predictive models under monitoring: their
// open/closed classification, provenance, and recalibration history. The
// classification drives strategy selection in recalibration, so the registry
// is the orchestrator's source of truth.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/helix-bio/recalibra/internal/api"
)

// Registry is a thread-safe model catalog with optional JSON-file
// persistence. An empty dir keeps it purely in memory (tests, demos).
type Registry struct {
	mu     sync.RWMutex
	models map[string]*api.Model
	dir    string
}

// New creates a registry, loading any previously persisted models from dir.
func New(dir string) (*Registry, error) {
	r := &Registry{
		models: make(map[string]*api.Model),
		dir:    dir,
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
		if err := r.load(); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register adds a model. Model IDs are immutable once registered.
func (r *Registry) Register(model api.Model) error {
	if model.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if model.Kind != api.ModelOpen && model.Kind != api.ModelClosed {
		return fmt.Errorf("model kind must be open or closed, got %q", model.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[model.ID]; exists {
		return fmt.Errorf("model %s already registered", model.ID)
	}

	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	r.models[model.ID] = &model

	return r.persistLocked(model.ID)
}

// GetModel returns the model by ID.
func (r *Registry) GetModel(id string) (*api.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("model %s not registered", id)
	}

	copied := *m
	return &copied, nil
}

// List returns all models sorted by ID.
func (r *Registry) List() []api.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkRecalibrated records when a model last had a successful recalibration.
func (r *Registry) MarkRecalibrated(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.models[id]
	if !ok {
		return fmt.Errorf("model %s not registered", id)
	}
	m.LastRecalibrated = &at

	return r.persistLocked(id)
}

// persistLocked writes one model's JSON file. Caller must hold r.mu.
func (r *Registry) persistLocked(id string) error {
	if r.dir == "" {
		return nil
	}

	data, err := json.MarshalIndent(r.models[id], "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal model %s: %w", id, err)
	}

	path := filepath.Join(r.dir, id+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write model %s: %w", id, err)
	}
	return nil
}

func (r *Registry) load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read registry directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		var m api.Model
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", e.Name(), err)
		}
		if m.ID != "" {
			r.models[m.ID] = &m
		}
	}
	return nil
}
