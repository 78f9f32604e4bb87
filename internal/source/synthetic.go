package source

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/helix-bio/recalibra/internal/api"
	"github.com/helix-bio/recalibra/internal/cache"
)

// SyntheticSource generates labeled synthetic pairs for demos and pipeline
// rehearsal. The second half of the series carries a configurable shift in
// the observed values, so a drift check against it should fire. Generated
// pairs are marked in their context and never mix with stored records.
type SyntheticSource struct {
	Seed          int64
	BaselineCount int
	RecentCount   int
	Shift         float64 // added to observed values in the recent half
	Noise         float64 // stddev of measurement noise
	Start         time.Time
}

// DefaultSynthetic returns a generator that produces a clear mean shift.
func DefaultSynthetic(seed int64) *SyntheticSource {
	return &SyntheticSource{
		Seed:          seed,
		BaselineCount: 150,
		RecentCount:   50,
		Shift:         2.0,
		Noise:         0.3,
		Start:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *SyntheticSource) Pairs(ctx context.Context, modelID string) (*cache.Alignment, error) {
	if s.BaselineCount < 0 || s.RecentCount < 0 {
		return nil, fmt.Errorf("negative pair counts: baseline=%d recent=%d", s.BaselineCount, s.RecentCount)
	}

	rng := rand.New(rand.NewSource(s.Seed))
	start := s.Start
	if start.IsZero() {
		start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	total := s.BaselineCount + s.RecentCount
	pairs := make([]api.MatchedPair, 0, total)
	for i := 0; i < total; i++ {
		predicted := 5.0 + rng.NormFloat64()
		observed := predicted + rng.NormFloat64()*s.Noise
		if i >= s.BaselineCount {
			observed += s.Shift
		}
		pairs = append(pairs, api.MatchedPair{
			EntityID:  fmt.Sprintf("synth-%04d", i),
			Predicted: predicted,
			Observed:  observed,
			Context:   map[string]string{"origin": "synthetic"},
			Timestamp: start.Add(time.Duration(i) * time.Hour),
		})
	}
	return &cache.Alignment{Pairs: pairs}, nil
}
