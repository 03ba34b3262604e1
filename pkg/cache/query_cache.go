// Package cache implements the two-tier query result cache: a bounded
// in-process map as the fast path and Redis as the durable tier that survives
// process restarts. Cache failures are logged and swallowed; they must never
// alter the primary execution result.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/query"
)

const redisKeyPrefix = "qcache:"

// Meta identifies what a cache entry holds and who it was computed for.
// Requester identity is part of the key: agents never see each other's
// cached results.
type Meta struct {
	Entity      string        `json:"entity"`
	Action      models.Action `json:"action"`
	ParamsHash  string        `json:"params_hash"`
	RequesterID string        `json:"requester_id"`
}

// entry is one in-process cache slot.
type entry struct {
	value     any
	expiresAt time.Time
	meta      Meta
	hitCount  int64
}

// envelope is the serialized form stored in Redis.
type envelope struct {
	Value any  `json:"value"`
	Meta  Meta `json:"meta"`
}

// Key computes the deterministic cache key for a query: a SHA-256 over the
// entity, action, canonicalized parameters, and requester identity.
func Key(entity string, action models.Action, params query.Value, requesterID string) string {
	h := sha256.New()
	h.Write([]byte(entity))
	h.Write([]byte{0})
	h.Write([]byte(action))
	h.Write([]byte{0})
	h.Write([]byte(params.Canonical()))
	h.Write([]byte{0})
	h.Write([]byte(requesterID))
	return hex.EncodeToString(h.Sum(nil))
}

// QueryCache is safe for concurrent use. The local tier is guarded by a
// single mutex; eviction tolerates concurrent insertion because it runs
// under the same lock as Put.
type QueryCache struct {
	mu    sync.Mutex
	local map[string]*entry

	maxEntries    int
	maxValueBytes int

	redis  *redis.Client // nil when Redis is not configured
	logger *zap.Logger

	now func() time.Time
}

// New creates a query cache. redisClient may be nil, in which case only the
// in-process tier is used. If logger is nil, a no-op logger is used.
func New(maxEntries, maxValueBytes int, redisClient *redis.Client, logger *zap.Logger) *QueryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &QueryCache{
		local:         make(map[string]*entry),
		maxEntries:    maxEntries,
		maxValueBytes: maxValueBytes,
		redis:         redisClient,
		logger:        logger,
		now:           time.Now,
	}
}

// Get returns the cached value for key. A hit bumps the entry's hit counter
// but never extends its TTL. On a process-local miss the Redis tier is
// consulted and, on a hit there, the local tier is repopulated with the
// remaining TTL.
func (c *QueryCache) Get(ctx context.Context, key string) (any, bool) {
	c.mu.Lock()
	if e, ok := c.local[key]; ok {
		if c.now().Before(e.expiresAt) {
			e.hitCount++
			value := e.value
			c.mu.Unlock()
			return value, true
		}
		delete(c.local, key)
	}
	c.mu.Unlock()

	if c.redis == nil {
		return nil, false
	}

	raw, err := c.redis.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("cache tier-2 get failed", zap.Error(err))
		}
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Debug("cache tier-2 entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	ttl, err := c.redis.PTTL(ctx, redisKeyPrefix+key).Result()
	if err != nil || ttl <= 0 {
		return env.Value, true
	}

	c.mu.Lock()
	c.evictIfFull()
	c.local[key] = &entry{
		value:     env.Value,
		expiresAt: c.now().Add(ttl),
		meta:      env.Meta,
		hitCount:  1,
	}
	c.mu.Unlock()

	return env.Value, true
}

// Put stores a value under key with the given TTL. Values for non-cacheable
// actions and values whose serialized size exceeds the ceiling are skipped
// silently. Redis write failures are logged and ignored.
func (c *QueryCache) Put(ctx context.Context, key string, value any, ttl time.Duration, meta Meta) {
	if !meta.Action.IsCacheable() || ttl <= 0 {
		return
	}

	serialized, err := json.Marshal(envelope{Value: value, Meta: meta})
	if err != nil {
		c.logger.Debug("cache value not serializable", zap.String("key", key), zap.Error(err))
		return
	}
	if c.maxValueBytes > 0 && len(serialized) > c.maxValueBytes {
		c.logger.Debug("cache value exceeds size ceiling",
			zap.String("key", key), zap.Int("bytes", len(serialized)))
		return
	}

	c.mu.Lock()
	c.evictIfFull()
	c.local[key] = &entry{
		value:     value,
		expiresAt: c.now().Add(ttl),
		meta:      meta,
	}
	c.mu.Unlock()

	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, redisKeyPrefix+key, serialized, ttl).Err(); err != nil {
		c.logger.Debug("cache tier-2 put failed", zap.Error(err))
	}
}

// evictIfFull removes expired entries, then the entries nearest expiry, until
// there is room for one more. Caller must hold c.mu.
func (c *QueryCache) evictIfFull() {
	if len(c.local) < c.maxEntries {
		return
	}

	now := c.now()
	for key, e := range c.local {
		if !now.Before(e.expiresAt) {
			delete(c.local, key)
		}
	}

	for len(c.local) >= c.maxEntries {
		var (
			victim  string
			nearest time.Time
		)
		for key, e := range c.local {
			if victim == "" || e.expiresAt.Before(nearest) {
				victim = key
				nearest = e.expiresAt
			}
		}
		delete(c.local, victim)
	}
}

// Len returns the number of entries in the in-process tier.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.local)
}

// HitCount returns the local hit counter for key, or 0 if absent.
func (c *QueryCache) HitCount(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.local[key]; ok {
		return e.hitCount
	}
	return 0
}
