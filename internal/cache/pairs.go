// Package cache holds aligned pair sets keyed by (model, data version).
// Alignment is O(n log n) over a model's full history, so drift checks and
// metric queries reuse the aligned result until new records advance the
// model's data version. A version mismatch is a miss, never a stale hit.
package cache

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/helix-bio/recalibra/internal/api"
)

// Alignment is the cached output of one alignment pass.
type Alignment struct {
	Pairs   []api.MatchedPair `json:"pairs"`
	Skipped int               `json:"skipped"`
}

// PairCache is a size-bounded, TTL-expiring cache of alignments. It is safe
// for concurrent use.
type PairCache struct {
	cache  *lru.Cache[string, *pairEntry]
	ttl    time.Duration
	mu     sync.RWMutex
	hits   uint64
	misses uint64
}

type pairEntry struct {
	alignment *Alignment
	expiresAt time.Time
}

// NewPairCache creates a pair cache holding at most size alignments.
// ttl of 0 disables expiration.
func NewPairCache(size int, ttl time.Duration) (*PairCache, error) {
	inner, err := lru.New[string, *pairEntry](size)
	if err != nil {
		return nil, err
	}
	return &PairCache{cache: inner, ttl: ttl}, nil
}

func cacheKey(modelID string, dataVersion int64) string {
	return fmt.Sprintf("%s@%d", modelID, dataVersion)
}

// Get returns the alignment cached for the model at the given data version.
func (c *PairCache) Get(modelID string, dataVersion int64) (*Alignment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache.Get(cacheKey(modelID, dataVersion))
	if !ok || (c.ttl > 0 && time.Now().After(entry.expiresAt)) {
		c.misses++
		return nil, false
	}

	c.hits++
	return entry.alignment, true
}

// Put stores an alignment. Entries for older data versions of the same model
// age out via LRU; they are never returned because lookups carry the version.
func (c *PairCache) Put(modelID string, dataVersion int64, alignment *Alignment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Time{}
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	c.cache.Add(cacheKey(modelID, dataVersion), &pairEntry{
		alignment: alignment,
		expiresAt: expiresAt,
	})
}

// Len returns the number of cached alignments.
func (c *PairCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Len()
}

// Stats reports hit/miss counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

func (c *PairCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{Hits: c.hits, Misses: c.misses, Size: c.cache.Len(), HitRate: rate}
}
