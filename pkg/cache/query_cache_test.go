package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/query"
)

func testMeta() Meta {
	return Meta{Entity: "order", Action: models.ActionFindMany, RequesterID: "agent-1"}
}

func mustParams(t *testing.T, params map[string]any) query.Value {
	t.Helper()
	v, err := query.FromAny(params)
	require.NoError(t, err)
	return v
}

func TestKey(t *testing.T) {
	t.Run("identical queries share a key", func(t *testing.T) {
		a := Key("order", models.ActionFindMany, mustParams(t, map[string]any{"limit": float64(10), "where": map[string]any{"status": "x"}}), "agent-1")
		b := Key("order", models.ActionFindMany, mustParams(t, map[string]any{"where": map[string]any{"status": "x"}, "limit": float64(10)}), "agent-1")
		assert.Equal(t, a, b)
	})

	t.Run("requester identity is part of the key", func(t *testing.T) {
		params := mustParams(t, map[string]any{"limit": float64(10)})
		a := Key("order", models.ActionFindMany, params, "agent-1")
		b := Key("order", models.ActionFindMany, params, "agent-2")
		assert.NotEqual(t, a, b)
	})

	t.Run("entity and action are part of the key", func(t *testing.T) {
		params := mustParams(t, map[string]any{"limit": float64(10)})
		a := Key("order", models.ActionFindMany, params, "agent-1")
		b := Key("order", models.ActionCount, params, "agent-1")
		c := Key("customer", models.ActionFindMany, params, "agent-1")
		assert.NotEqual(t, a, b)
		assert.NotEqual(t, a, c)
	})
}

func TestQueryCacheLocalTier(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		c := New(8, 0, nil, zap.NewNop())
		c.Put(ctx, "k1", []any{map[string]any{"id": "o1"}}, time.Minute, testMeta())

		got, ok := c.Get(ctx, "k1")
		require.True(t, ok)
		assert.Equal(t, []any{map[string]any{"id": "o1"}}, got)
		assert.Equal(t, int64(1), c.HitCount("k1"))
	})

	t.Run("expired entries miss", func(t *testing.T) {
		c := New(8, 0, nil, zap.NewNop())
		now := time.Now()
		c.now = func() time.Time { return now }
		c.Put(ctx, "k1", "v", time.Minute, testMeta())

		c.now = func() time.Time { return now.Add(2 * time.Minute) }
		_, ok := c.Get(ctx, "k1")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Len())
	})

	t.Run("mutating actions are never cached", func(t *testing.T) {
		c := New(8, 0, nil, zap.NewNop())
		meta := testMeta()
		meta.Action = models.ActionUpdate
		c.Put(ctx, "k1", "v", time.Minute, meta)
		_, ok := c.Get(ctx, "k1")
		assert.False(t, ok)
	})

	t.Run("oversized values are skipped", func(t *testing.T) {
		c := New(8, 16, nil, zap.NewNop())
		c.Put(ctx, "k1", map[string]any{"big": "0123456789012345678901234567890123456789"}, time.Minute, testMeta())
		_, ok := c.Get(ctx, "k1")
		assert.False(t, ok)
	})

	t.Run("eviction removes nearest-expiry entry", func(t *testing.T) {
		c := New(2, 0, nil, zap.NewNop())
		c.Put(ctx, "short", "a", time.Minute, testMeta())
		c.Put(ctx, "long", "b", time.Hour, testMeta())
		c.Put(ctx, "new", "c", time.Hour, testMeta())

		_, ok := c.Get(ctx, "short")
		assert.False(t, ok, "the entry nearest expiry should have been evicted")
		_, ok = c.Get(ctx, "long")
		assert.True(t, ok)
		_, ok = c.Get(ctx, "new")
		assert.True(t, ok)
	})

	t.Run("hits never extend the TTL", func(t *testing.T) {
		c := New(8, 0, nil, zap.NewNop())
		now := time.Now()
		c.now = func() time.Time { return now }
		c.Put(ctx, "k1", "v", time.Minute, testMeta())

		c.now = func() time.Time { return now.Add(50 * time.Second) }
		_, ok := c.Get(ctx, "k1")
		require.True(t, ok)

		c.now = func() time.Time { return now.Add(70 * time.Second) }
		_, ok = c.Get(ctx, "k1")
		assert.False(t, ok)
	})
}

func TestQueryCacheRedisTier(t *testing.T) {
	ctx := context.Background()

	newRedisCache := func(t *testing.T) (*QueryCache, *miniredis.Miniredis) {
		t.Helper()
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return New(8, 0, client, zap.NewNop()), mr
	}

	t.Run("survives loss of the local tier", func(t *testing.T) {
		c, mr := newRedisCache(t)
		c.Put(ctx, "k1", map[string]any{"id": "o1"}, time.Minute, testMeta())

		// Simulate a fresh process: same Redis, empty local map.
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		fresh := New(8, 0, client, zap.NewNop())

		got, ok := fresh.Get(ctx, "k1")
		require.True(t, ok)
		assert.Equal(t, map[string]any{"id": "o1"}, got)
		// The local tier was repopulated on the way through.
		assert.Equal(t, 1, fresh.Len())
	})

	t.Run("redis expiry is honored", func(t *testing.T) {
		c, mr := newRedisCache(t)
		c.Put(ctx, "k1", "v", time.Minute, testMeta())

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		fresh := New(8, 0, client, zap.NewNop())

		mr.FastForward(2 * time.Minute)
		_, ok := fresh.Get(ctx, "k1")
		assert.False(t, ok)
	})
}
