package cache

import (
	"testing"
	"time"

	"github.com/helix-bio/recalibra/internal/api"
)

func sampleAlignment(n int) *Alignment {
	pairs := make([]api.MatchedPair, n)
	for i := range pairs {
		pairs[i] = api.MatchedPair{
			EntityID:  "mol-1",
			Predicted: float64(i),
			Observed:  float64(i) + 0.1,
			Timestamp: time.Date(2026, 1, 1, i, 0, 0, 0, time.UTC),
		}
	}
	return &Alignment{Pairs: pairs, Skipped: 1}
}

func TestPairCacheHitAndVersionMiss(t *testing.T) {
	c, err := NewPairCache(10, 0)
	if err != nil {
		t.Fatalf("NewPairCache failed: %v", err)
	}

	c.Put("solubility-v2", 7, sampleAlignment(3))

	got, ok := c.Get("solubility-v2", 7)
	if !ok {
		t.Fatal("expected hit at the cached version")
	}
	if len(got.Pairs) != 3 || got.Skipped != 1 {
		t.Errorf("unexpected cached alignment: %d pairs, %d skipped", len(got.Pairs), got.Skipped)
	}

	if _, ok := c.Get("solubility-v2", 8); ok {
		t.Error("new data version must miss, not serve the stale alignment")
	}
	if _, ok := c.Get("other-model", 7); ok {
		t.Error("different model must miss")
	}
}

func TestPairCacheTTLExpiry(t *testing.T) {
	c, err := NewPairCache(10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewPairCache failed: %v", err)
	}

	c.Put("m1", 1, sampleAlignment(2))
	if _, ok := c.Get("m1", 1); !ok {
		t.Fatal("expected hit before TTL")
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("m1", 1); ok {
		t.Error("expected miss after TTL")
	}
}

func TestPairCacheEviction(t *testing.T) {
	c, err := NewPairCache(2, 0)
	if err != nil {
		t.Fatalf("NewPairCache failed: %v", err)
	}

	c.Put("m1", 1, sampleAlignment(1))
	c.Put("m1", 2, sampleAlignment(1))
	c.Put("m1", 3, sampleAlignment(1))

	if c.Len() != 2 {
		t.Errorf("expected 2 entries after eviction, got %d", c.Len())
	}
	if _, ok := c.Get("m1", 1); ok {
		t.Error("oldest entry should have been evicted")
	}
}

func TestPairCacheStats(t *testing.T) {
	c, _ := NewPairCache(10, 0)
	c.Put("m1", 1, sampleAlignment(1))

	c.Get("m1", 1)
	c.Get("m1", 2)

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %d / %d", stats.Hits, stats.Misses)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %f", stats.HitRate)
	}
}
