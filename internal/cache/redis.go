package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisPairCache shares alignments across replicas. The key embeds the data
// version, and alignments at a fixed version are immutable, so SETNX
// first-write-wins is safe: concurrent writers compute identical values.
type RedisPairCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPairCache connects to Redis and verifies the connection.
func NewRedisPairCache(addr, password string, db int, ttl time.Duration) (*RedisPairCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisPairCache{client: client, ttl: ttl}, nil
}

func redisKey(modelID string, dataVersion int64) string {
	return fmt.Sprintf("pairs:%s:%d", modelID, dataVersion)
}

// Get returns the alignment for the model at the given data version, or
// (nil, false) when absent.
func (r *RedisPairCache) Get(ctx context.Context, modelID string, dataVersion int64) (*Alignment, bool, error) {
	data, err := r.client.Get(ctx, redisKey(modelID, dataVersion)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis GET failed: %w", err)
	}

	var alignment Alignment
	if err := json.Unmarshal([]byte(data), &alignment); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal alignment: %w", err)
	}
	return &alignment, true, nil
}

// Put stores an alignment unless one already exists for the key. Losing the
// race to another replica is not an error.
func (r *RedisPairCache) Put(ctx context.Context, modelID string, dataVersion int64, alignment *Alignment) error {
	data, err := json.Marshal(alignment)
	if err != nil {
		return fmt.Errorf("failed to marshal alignment: %w", err)
	}

	if err := r.client.SetNX(ctx, redisKey(modelID, dataVersion), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis SETNX failed: %w", err)
	}
	return nil
}

func (r *RedisPairCache) Close() error {
	return r.client.Close()
}
