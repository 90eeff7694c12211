package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Namespace names used across the pipeline. Keys inside a namespace are
// composite strings like "3m:BTC/USDT:100".
const (
	NSTickers       = "tickers"
	NSOHLCV3m       = "ohlcv_3m"
	NSOHLCV5m       = "ohlcv_5m"
	NSOHLCV15m      = "ohlcv_15m"
	NSOHLCV1h       = "ohlcv_1h"
	NSOHLCV4h       = "ohlcv_4h"
	NSOrderbook     = "orderbook"
	NSTrades        = "trades"
	NSMarkets       = "markets"
	NSFundingRates  = "funding_rates"
	NSOpenInterests = "open_interests"
	NSCoinSelection = "coin_selection"
)

// DefaultTTL is used for namespaces without an explicit TTL.
const DefaultTTL = 5 * time.Minute

type entry struct {
	value     interface{}
	storedAt  time.Time
	expiresAt time.Time
}

// Cache is a process-wide namespaced TTL store. TTLs are coarse (seconds
// to hours) so a single mutex is enough; all pipeline reads and the stream
// writeback go through it.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	ttls     map[string]time.Duration
	botTTLs  map[int64]time.Duration // per-bot coin_selection overrides
	onExpire func(ns, key string)    // test hook
}

// New creates a cache with the default per-namespace TTLs.
func New() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		ttls: map[string]time.Duration{
			NSTickers:       30 * time.Second,
			NSOHLCV3m:       300 * time.Second,
			NSOHLCV5m:       300 * time.Second,
			NSOHLCV15m:      900 * time.Second,
			NSOHLCV1h:       1800 * time.Second,
			NSOHLCV4h:       3600 * time.Second,
			NSOrderbook:     60 * time.Second,
			NSTrades:        60 * time.Second,
			NSMarkets:       time.Hour,
			NSFundingRates:  60 * time.Second,
			NSOpenInterests: 300 * time.Second,
			NSCoinSelection: 162 * time.Second, // default cycle 180s × 0.9
		},
		botTTLs: make(map[int64]time.Duration),
	}
}

// SetTTL overrides the TTL for a namespace (SystemConfig cache.ttl.<ns>).
func (c *Cache) SetTTL(ns string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.ttls[ns] = ttl
	c.mu.Unlock()
}

// SetCycleInterval recomputes the coin_selection TTL for one bot as
// interval × 0.9 so the next cycle sees a fresh selection. The override is
// keyed per bot; multiple bots sharing the process do not clobber each
// other.
func (c *Cache) SetCycleInterval(botID int64, interval time.Duration) {
	c.mu.Lock()
	c.botTTLs[botID] = time.Duration(float64(interval) * 0.9)
	c.mu.Unlock()
}

func (c *Cache) ttlFor(ns string, key string) time.Duration {
	if ns == NSCoinSelection {
		// coin_selection keys are "bot_<id>"; the per-bot override wins
		var botID int64
		if _, err := fmt.Sscanf(key, "bot_%d", &botID); err == nil {
			if ttl, ok := c.botTTLs[botID]; ok {
				return ttl
			}
		}
	}
	if ttl, ok := c.ttls[ns]; ok {
		return ttl
	}
	return DefaultTTL
}

func cacheKey(ns, key string) string {
	return ns + ":" + key
}

// Get returns the value for (ns, key) if still within its TTL. Expired
// entries are evicted on read.
func (c *Cache) Get(ns, key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ck := cacheKey(ns, key)
	e, ok := c.entries[ck]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, ck)
		if c.onExpire != nil {
			c.onExpire(ns, key)
		}
		return nil, false
	}
	return e.value, true
}

// StoredAt returns when the entry was written, for freshness checks.
func (c *Cache) StoredAt(ns, key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey(ns, key)]
	if !ok || time.Now().After(e.expiresAt) {
		return time.Time{}, false
	}
	return e.storedAt, true
}

// Set stores a value under (ns, key) with the namespace TTL.
func (c *Cache) Set(ns, key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.entries[cacheKey(ns, key)] = entry{
		value:     value,
		storedAt:  now,
		expiresAt: now.Add(c.ttlFor(ns, key)),
	}
}

// Delete removes one entry.
func (c *Cache) Delete(ns, key string) {
	c.mu.Lock()
	delete(c.entries, cacheKey(ns, key))
	c.mu.Unlock()
}

// Invalidate removes a whole namespace, or specific keys within it.
func (c *Cache) Invalidate(ns string, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(keys) > 0 {
		for _, k := range keys {
			delete(c.entries, cacheKey(ns, k))
		}
		return
	}
	prefix := ns + ":"
	for ck := range c.entries {
		if strings.HasPrefix(ck, prefix) {
			delete(c.entries, ck)
		}
	}
}

// CleanupExpired sweeps all expired entries. The scheduler calls this once
// per cycle; it is a linear walk and the map stays small (hundreds of keys).
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for ck, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, ck)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Cache cleanup swept expired entries")
	}
	return removed
}

// Len returns the number of live entries (expired ones may be counted
// until the next sweep).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
