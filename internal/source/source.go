// Package source produces aligned pair sets for a model, either from stored
// records or from a labeled synthetic generator.
package source

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/helix-bio/recalibra/internal/align"
	"github.com/helix-bio/recalibra/internal/api"
	"github.com/helix-bio/recalibra/internal/cache"
	"github.com/helix-bio/recalibra/internal/store"
)

// Source yields the matched pairs the engine analyzes.
type Source interface {
	// Pairs returns the model's aligned pairs, time-ordered, plus the count
	// of observations that matched no prediction.
	Pairs(ctx context.Context, modelID string) (*cache.Alignment, error)
}

// RealSource aligns stored prediction and observation records, caching the
// result per (model, data version). The local LRU is checked first, then the
// optional shared Redis cache, then storage.
type RealSource struct {
	repo   store.Repository
	local  *cache.PairCache
	shared *cache.RedisPairCache // may be nil
}

// NewRealSource builds a repository-backed source. shared may be nil when no
// Redis is configured.
func NewRealSource(repo store.Repository, local *cache.PairCache, shared *cache.RedisPairCache) *RealSource {
	return &RealSource{repo: repo, local: local, shared: shared}
}

func (s *RealSource) Pairs(ctx context.Context, modelID string) (*cache.Alignment, error) {
	version, err := s.repo.DataVersion(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to read data version: %w", err)
	}

	if s.local != nil {
		if alignment, ok := s.local.Get(modelID, version); ok {
			return alignment, nil
		}
	}
	if s.shared != nil {
		alignment, ok, err := s.shared.Get(ctx, modelID, version)
		if err != nil {
			// Degrade to recomputing; a flaky cache must not fail checks.
			log.Printf("shared pair cache read failed for model %s: %v", modelID, err)
		} else if ok {
			if s.local != nil {
				s.local.Put(modelID, version, alignment)
			}
			return alignment, nil
		}
	}

	alignment, err := s.alignFromStore(ctx, modelID)
	if err != nil {
		return nil, err
	}

	if s.local != nil {
		s.local.Put(modelID, version, alignment)
	}
	if s.shared != nil {
		if err := s.shared.Put(ctx, modelID, version, alignment); err != nil {
			log.Printf("shared pair cache write failed for model %s: %v", modelID, err)
		}
	}
	return alignment, nil
}

func (s *RealSource) alignFromStore(ctx context.Context, modelID string) (*cache.Alignment, error) {
	predictions, err := s.repo.FetchPredictions(ctx, modelID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch predictions: %w", err)
	}

	entityIDs := make([]string, 0, len(predictions))
	seen := make(map[string]bool, len(predictions))
	for _, p := range predictions {
		if !seen[p.EntityID] {
			seen[p.EntityID] = true
			entityIDs = append(entityIDs, p.EntityID)
		}
	}

	var observations []api.ObservationRecord
	if len(entityIDs) > 0 {
		observations, err = s.repo.FetchObservations(ctx, entityIDs, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch observations: %w", err)
		}
	}

	result := align.Align(predictions, observations)
	return &cache.Alignment{Pairs: result.Pairs, Skipped: result.Skipped}, nil
}
