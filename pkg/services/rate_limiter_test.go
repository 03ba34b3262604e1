package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/query-sandbox/pkg/config"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/telemetry"
)

func testRateLimitConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		BurstLimit:   20,
		BurstWindow:  5 * time.Minute,
		WarnFraction: 0.8,
	}
}

func newTestLimiter(t *testing.T, requests *fakeRequestRepo, permissions *fakePermissionRepo, cfg config.RateLimitConfig) *rateLimiter {
	t.Helper()
	limiter, ok := NewRateLimiter(requests, permissions, cfg, telemetry.NopSink{}).(*rateLimiter)
	require.True(t, ok)
	return limiter
}

func grantWithQuota(agentID uuid.UUID, quota int) models.AgentQueryPermission {
	return models.AgentQueryPermission{
		ID:               uuid.New(),
		AgentID:          agentID,
		SchemaMapName:    "core",
		Level:            models.PermissionFull,
		EntityActions:    map[string][]models.Action{"order": {}},
		MaxQueriesPerDay: quota,
		Enabled:          true,
	}
}

func seedRequests(t *testing.T, repo *fakeRequestRepo, agentID uuid.UUID, n int, createdAt time.Time) {
	t.Helper()
	repo.now = func() time.Time { return createdAt }
	for i := 0; i < n; i++ {
		err := repo.Create(context.Background(), &models.AgentQueryRequest{
			AgentID:      agentID,
			TargetEntity: "order",
			Action:       models.ActionFindMany,
		})
		require.NoError(t, err)
	}
}

func TestRateLimiterDailyQuota(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.New()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	t.Run("admits the Nth request of the day", func(t *testing.T) {
		requests := newFakeRequestRepo()
		permissions := &fakePermissionRepo{grants: []models.AgentQueryPermission{grantWithQuota(agentID, 5)}}
		limiter := newTestLimiter(t, requests, permissions, config.RateLimitConfig{BurstLimit: 100, BurstWindow: time.Minute, WarnFraction: 0.8})
		limiter.now = func() time.Time { return now }

		// Four prior rows today: the fifth submission sees count 4 < 5.
		seedRequests(t, requests, agentID, 4, now.Add(-time.Hour))

		admission, err := limiter.CheckAndAdmit(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, admission.Allowed)
	})

	t.Run("rejects the N+1th request of the day", func(t *testing.T) {
		requests := newFakeRequestRepo()
		permissions := &fakePermissionRepo{grants: []models.AgentQueryPermission{grantWithQuota(agentID, 5)}}
		limiter := newTestLimiter(t, requests, permissions, config.RateLimitConfig{BurstLimit: 100, BurstWindow: time.Minute, WarnFraction: 0.8})
		limiter.now = func() time.Time { return now }

		seedRequests(t, requests, agentID, 5, now.Add(-time.Hour))

		admission, err := limiter.CheckAndAdmit(ctx, agentID)
		require.NoError(t, err)
		assert.False(t, admission.Allowed)
		assert.Contains(t, admission.Reason, "daily quota of 5")
	})

	t.Run("yesterday's requests do not count", func(t *testing.T) {
		requests := newFakeRequestRepo()
		permissions := &fakePermissionRepo{grants: []models.AgentQueryPermission{grantWithQuota(agentID, 5)}}
		limiter := newTestLimiter(t, requests, permissions, config.RateLimitConfig{BurstLimit: 100, BurstWindow: time.Minute, WarnFraction: 0.8})
		limiter.now = func() time.Time { return now }

		seedRequests(t, requests, agentID, 5, now.Add(-24*time.Hour))

		admission, err := limiter.CheckAndAdmit(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, admission.Allowed)
	})

	t.Run("uses the strictest quota across grants", func(t *testing.T) {
		requests := newFakeRequestRepo()
		permissions := &fakePermissionRepo{grants: []models.AgentQueryPermission{
			grantWithQuota(agentID, 100),
			grantWithQuota(agentID, 3),
		}}
		limiter := newTestLimiter(t, requests, permissions, config.RateLimitConfig{BurstLimit: 100, BurstWindow: time.Minute, WarnFraction: 0.8})
		limiter.now = func() time.Time { return now }

		seedRequests(t, requests, agentID, 3, now.Add(-time.Hour))

		admission, err := limiter.CheckAndAdmit(ctx, agentID)
		require.NoError(t, err)
		assert.False(t, admission.Allowed)
		assert.Contains(t, admission.Reason, "daily quota of 3")
	})

	t.Run("disabled grants carry no quota", func(t *testing.T) {
		requests := newFakeRequestRepo()
		disabled := grantWithQuota(agentID, 1)
		disabled.Enabled = false
		permissions := &fakePermissionRepo{grants: []models.AgentQueryPermission{disabled}}
		limiter := newTestLimiter(t, requests, permissions, config.RateLimitConfig{BurstLimit: 100, BurstWindow: time.Minute, WarnFraction: 0.8})
		limiter.now = func() time.Time { return now }

		seedRequests(t, requests, agentID, 2, now.Add(-time.Hour))

		// No quota-carrying grants: admission passes and validation is left
		// to reject the grantless agent.
		admission, err := limiter.CheckAndAdmit(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, admission.Allowed)
	})
}

func TestRateLimiterBurst(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.New()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	t.Run("burst ceiling rejects despite daily headroom", func(t *testing.T) {
		requests := newFakeRequestRepo()
		permissions := &fakePermissionRepo{grants: []models.AgentQueryPermission{grantWithQuota(agentID, 1000)}}
		limiter := newTestLimiter(t, requests, permissions, config.RateLimitConfig{BurstLimit: 3, BurstWindow: 5 * time.Minute, WarnFraction: 0.8})
		limiter.now = func() time.Time { return now }

		seedRequests(t, requests, agentID, 3, now.Add(-time.Minute))

		admission, err := limiter.CheckAndAdmit(ctx, agentID)
		require.NoError(t, err)
		assert.False(t, admission.Allowed)
		assert.Contains(t, admission.Reason, "burst limit of 3")
	})

	t.Run("requests outside the window do not count", func(t *testing.T) {
		requests := newFakeRequestRepo()
		permissions := &fakePermissionRepo{grants: []models.AgentQueryPermission{grantWithQuota(agentID, 1000)}}
		limiter := newTestLimiter(t, requests, permissions, config.RateLimitConfig{BurstLimit: 3, BurstWindow: 5 * time.Minute, WarnFraction: 0.8})
		limiter.now = func() time.Time { return now }

		seedRequests(t, requests, agentID, 3, now.Add(-10*time.Minute))

		admission, err := limiter.CheckAndAdmit(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, admission.Allowed)
	})
}

func TestRateLimiterWarning(t *testing.T) {
	ctx := context.Background()
	agentID := uuid.New()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	t.Run("warns at the configured fraction of the quota", func(t *testing.T) {
		requests := newFakeRequestRepo()
		permissions := &fakePermissionRepo{grants: []models.AgentQueryPermission{grantWithQuota(agentID, 10)}}
		limiter := newTestLimiter(t, requests, permissions, config.RateLimitConfig{BurstLimit: 100, BurstWindow: time.Minute, WarnFraction: 0.8})
		limiter.now = func() time.Time { return now }

		seedRequests(t, requests, agentID, 8, now.Add(-time.Hour))

		admission, err := limiter.CheckAndAdmit(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, admission.Allowed)
		assert.Contains(t, admission.Warning, "used 8 of 10")
	})

	t.Run("no warning below the fraction", func(t *testing.T) {
		requests := newFakeRequestRepo()
		permissions := &fakePermissionRepo{grants: []models.AgentQueryPermission{grantWithQuota(agentID, 10)}}
		limiter := newTestLimiter(t, requests, permissions, config.RateLimitConfig{BurstLimit: 100, BurstWindow: time.Minute, WarnFraction: 0.8})
		limiter.now = func() time.Time { return now }

		seedRequests(t, requests, agentID, 7, now.Add(-time.Hour))

		admission, err := limiter.CheckAndAdmit(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, admission.Allowed)
		assert.Empty(t, admission.Warning)
	})
}
