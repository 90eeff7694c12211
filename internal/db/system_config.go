package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

const systemConfigCacheTTL = 60 * time.Second

// SystemConfig is the read-through cached view over the system_configs
// table. Dotted runtime keys (cache.ttl.*, debate.*, market_regime.*,
// batch_decision.*) live here rather than in the file config so they can
// be changed without a restart.
type SystemConfig struct {
	db *DB

	mu      sync.Mutex
	entries map[string]systemConfigEntry
}

type systemConfigEntry struct {
	value    string
	found    bool
	cachedAt time.Time
}

// NewSystemConfig builds the config store over the shared DB.
func NewSystemConfig(db *DB) *SystemConfig {
	return &SystemConfig{db: db, entries: make(map[string]systemConfigEntry)}
}

// Get returns the raw value for key and whether it exists. Misses are
// cached too so absent keys do not hit the database every read.
func (sc *SystemConfig) Get(ctx context.Context, key string) (string, bool) {
	sc.mu.Lock()
	if e, ok := sc.entries[key]; ok && time.Since(e.cachedAt) < systemConfigCacheTTL {
		sc.mu.Unlock()
		return e.value, e.found
	}
	sc.mu.Unlock()

	var value string
	err := sc.db.pool.QueryRow(ctx,
		`SELECT value FROM system_configs WHERE key = $1`, key).Scan(&value)
	found := err == nil
	if err != nil && err != pgx.ErrNoRows {
		log.Warn().Err(err).Str("key", key).Msg("system config read failed")
		return "", false
	}

	sc.mu.Lock()
	sc.entries[key] = systemConfigEntry{value: value, found: found, cachedAt: time.Now()}
	sc.mu.Unlock()
	return value, found
}

// GetString returns the value for key or def when absent.
func (sc *SystemConfig) GetString(ctx context.Context, key, def string) string {
	if v, ok := sc.Get(ctx, key); ok {
		return v
	}
	return def
}

// GetFloat returns the value for key parsed as float64, or def.
func (sc *SystemConfig) GetFloat(ctx context.Context, key string, def float64) float64 {
	if v, ok := sc.Get(ctx, key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", v).Msg("system config is not a float")
	}
	return def
}

// GetInt returns the value for key parsed as int, or def.
func (sc *SystemConfig) GetInt(ctx context.Context, key string, def int) int {
	if v, ok := sc.Get(ctx, key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", v).Msg("system config is not an int")
	}
	return def
}

// GetBool returns the value for key parsed as bool, or def.
func (sc *SystemConfig) GetBool(ctx context.Context, key string, def bool) bool {
	if v, ok := sc.Get(ctx, key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", v).Msg("system config is not a bool")
	}
	return def
}

// GetDuration reads a key holding seconds and returns it as a duration.
func (sc *SystemConfig) GetDuration(ctx context.Context, key string, def time.Duration) time.Duration {
	if v, ok := sc.Get(ctx, key); ok {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
		log.Warn().Str("key", key).Str("value", v).Msg("system config is not a duration")
	}
	return def
}

// GetByPrefix returns all rows whose key starts with prefix+".", keyed by
// the remainder after the prefix. Not cached; prefix reads happen once
// per component init.
func (sc *SystemConfig) GetByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := sc.db.pool.Query(ctx,
		`SELECT key, value FROM system_configs WHERE key LIKE $1`, prefix+".%")
	if err != nil {
		return nil, fmt.Errorf("failed to read config prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(key, prefix+".")] = value
	}
	return out, rows.Err()
}

// Upsert writes a key and invalidates its cached entry.
func (sc *SystemConfig) Upsert(ctx context.Context, key, value, valueType string) error {
	_, err := sc.db.pool.Exec(ctx, `
		INSERT INTO system_configs (key, value, value_type, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			value_type = EXCLUDED.value_type,
			updated_at = NOW()`,
		key, value, valueType)
	if err != nil {
		return fmt.Errorf("failed to upsert config %s: %w", key, err)
	}

	sc.mu.Lock()
	delete(sc.entries, key)
	sc.mu.Unlock()
	return nil
}

// CacheTTL resolves the TTL for a cache namespace from `cache.ttl.<ns>`,
// falling back to def.
func (sc *SystemConfig) CacheTTL(ctx context.Context, namespace string, def time.Duration) time.Duration {
	return sc.GetDuration(ctx, "cache.ttl."+namespace, def)
}
