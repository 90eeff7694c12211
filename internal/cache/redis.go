package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisTier is an optional second cache tier shared across process
// restarts. The in-process Cache stays authoritative for hot reads; the
// Redis tier only backs coin selections so a restarted process does not
// cold-start against exchange REST quota.
type RedisTier struct {
	client *redis.Client
	ttls   func(ns string) time.Duration
}

type redisEntry struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
}

const redisOpTimeout = 500 * time.Millisecond

// NewRedisTier wraps a Redis client. A nil client returns nil; callers
// nil-check so the tier is genuinely optional.
func NewRedisTier(client *redis.Client, ttlFor func(ns string) time.Duration) *RedisTier {
	if client == nil {
		return nil
	}
	if ttlFor == nil {
		ttlFor = func(string) time.Duration { return DefaultTTL }
	}
	return &RedisTier{client: client, ttls: ttlFor}
}

func redisKey(ns, key string) string {
	return fmt.Sprintf("perpcycle:%s:%s", ns, key)
}

// Get fetches and decodes an entry into target. Returns false on miss or
// any Redis error; errors never fail the caller.
func (r *RedisTier) Get(ctx context.Context, ns, key string, target interface{}) bool {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	raw, err := r.client.Get(opCtx, redisKey(ns, key)).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		log.Warn().Err(err).Str("ns", ns).Str("key", key).Msg("Redis get failed")
		return false
	}

	var e redisEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		log.Warn().Err(err).Str("ns", ns).Msg("Failed to decode redis cache entry")
		return false
	}
	if err := json.Unmarshal(e.Value, target); err != nil {
		log.Warn().Err(err).Str("ns", ns).Msg("Failed to decode redis cache value")
		return false
	}
	return true
}

// Set stores a value asynchronously; a write failure is logged, never
// surfaced.
func (r *RedisTier) Set(ns, key string, value interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		raw, err := json.Marshal(value)
		if err != nil {
			log.Warn().Err(err).Str("ns", ns).Msg("Failed to marshal redis cache value")
			return
		}
		data, err := json.Marshal(redisEntry{Value: raw, StoredAt: time.Now()})
		if err != nil {
			return
		}
		if err := r.client.Set(ctx, redisKey(ns, key), data, r.ttls(ns)).Err(); err != nil {
			log.Warn().Err(err).Str("ns", ns).Str("key", key).Msg("Redis set failed")
		}
	}()
}

// Invalidate deletes all keys in a namespace via SCAN iteration.
func (r *RedisTier) Invalidate(ctx context.Context, ns string) error {
	pattern := fmt.Sprintf("perpcycle:%s:*", ns)

	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			log.Warn().Err(err).Str("key", iter.Val()).Msg("Failed to delete redis cache key")
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis invalidation failed: %w", err)
	}
	return nil
}

// Health pings Redis with a 2s budget.
func (r *RedisTier) Health(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Ping(opCtx).Err()
}
