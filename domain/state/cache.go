package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/trigger-pipeline/infrastructure/logging"
)

// CachingStore is the write-through cache fronting a persistent Store
// (spec §4.5 "State Cache"). Reads consult the cache first; writes go to
// the persistent store first, then the cache. Any Redis failure is logged
// and bypassed — the manager always falls back to the persistent store, so
// a cache outage never fails an evaluation.
type CachingStore struct {
	backing Store
	redis   *redis.Client
	ttl     time.Duration
	logger  *logging.Logger
	enabled bool
}

// CacheConfig controls the write-through cache (spec §6.7
// STATE_CACHE_ENABLED / STATE_CACHE_TTL_SECS).
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// NewCachingStore wraps backing with a Redis write-through cache. Pass a nil
// redis client (or Enabled=false) to disable caching entirely — Load/Save
// then behave exactly like the backing store.
func NewCachingStore(backing Store, client *redis.Client, cfg CacheConfig, logger *logging.Logger) *CachingStore {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &CachingStore{
		backing: backing,
		redis:   client,
		ttl:     cfg.TTL,
		logger:  logger,
		enabled: cfg.Enabled && client != nil,
	}
}

func cacheKey(triggerID string) string {
	return "trigger_state:" + triggerID
}

// Load consults the cache; on miss or disablement it reads through to the
// backing store and repopulates the cache with a fresh TTL.
func (c *CachingStore) Load(ctx context.Context, triggerID string) (*TriggerState, error) {
	if c.enabled {
		if s, ok := c.getCached(ctx, triggerID); ok {
			return s, nil
		}
	}

	s, err := c.backing.Load(ctx, triggerID)
	if err != nil {
		return nil, err
	}

	if c.enabled {
		c.setCached(ctx, s)
	}
	return s, nil
}

// Save writes to the persistent store first, then refreshes the cache entry
// (spec §4.5 "writes are persistent-first-then-cache"). A cache write
// failure after a successful persistent write is logged but not an error —
// the next Load simply misses and reads through.
func (c *CachingStore) Save(ctx context.Context, s *TriggerState) error {
	if err := c.backing.Save(ctx, s); err != nil {
		return err
	}
	if c.enabled {
		c.setCached(ctx, s)
	}
	return nil
}

// Delete removes the state from both tiers.
func (c *CachingStore) Delete(ctx context.Context, triggerID string) error {
	if err := c.backing.Delete(ctx, triggerID); err != nil {
		return err
	}
	if c.enabled {
		if err := c.redis.Del(ctx, cacheKey(triggerID)).Err(); err != nil {
			c.logCacheFailure(ctx, "delete", err)
		}
	}
	return nil
}

func (c *CachingStore) getCached(ctx context.Context, triggerID string) (*TriggerState, bool) {
	raw, err := c.redis.Get(ctx, cacheKey(triggerID)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logCacheFailure(ctx, "get", err)
		return nil, false
	}

	s := NewTriggerState(triggerID)
	if err := json.Unmarshal(raw, s); err != nil {
		c.logCacheFailure(ctx, "decode", err)
		return nil, false
	}
	return s, true
}

func (c *CachingStore) setCached(ctx context.Context, s *TriggerState) {
	payload, err := json.Marshal(s)
	if err != nil {
		c.logCacheFailure(ctx, "encode", err)
		return
	}
	if err := c.redis.Set(ctx, cacheKey(s.TriggerID), payload, c.ttl).Err(); err != nil {
		c.logCacheFailure(ctx, "set", err)
	}
}

func (c *CachingStore) logCacheFailure(ctx context.Context, op string, err error) {
	if c.logger != nil {
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"op": op,
		}).Warn("state cache bypassed, falling back to persistent store")
	}
}
