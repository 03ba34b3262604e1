package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/query-sandbox/pkg/config"
	"github.com/ekaya-inc/query-sandbox/pkg/repositories"
	"github.com/ekaya-inc/query-sandbox/pkg/telemetry"
)

// Admission is the rate limiter's verdict for one prospective request.
type Admission struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// RateLimiter admits or rejects requests based on per-agent counters. Both
// counters are derived by counting persisted request rows rather than held in
// memory, so the limiter stays correct when multiple service instances run
// concurrently with no shared cache.
type RateLimiter interface {
	CheckAndAdmit(ctx context.Context, agentID uuid.UUID) (*Admission, error)
}

type rateLimiter struct {
	requests    repositories.RequestRepository
	permissions repositories.PermissionRepository
	cfg         config.RateLimitConfig
	sink        telemetry.Sink
	now         func() time.Time
}

// NewRateLimiter creates a new RateLimiter.
func NewRateLimiter(
	requests repositories.RequestRepository,
	permissions repositories.PermissionRepository,
	cfg config.RateLimitConfig,
	sink telemetry.Sink,
) RateLimiter {
	return &rateLimiter{
		requests:    requests,
		permissions: permissions,
		cfg:         cfg,
		sink:        sink,
		now:         time.Now,
	}
}

var _ RateLimiter = (*rateLimiter)(nil)

// CheckAndAdmit evaluates the daily counter (requests created since local
// midnight, against the minimum quota across the agent's grants) and the
// burst counter (requests in the trailing window, fixed ceiling). Burst
// rejection applies regardless of remaining daily quota.
func (l *rateLimiter) CheckAndAdmit(ctx context.Context, agentID uuid.UUID) (*Admission, error) {
	now := l.now()

	burstSince := now.Add(-l.cfg.BurstWindow)
	burstCount, err := l.requests.CountCreatedSince(ctx, agentID, burstSince)
	if err != nil {
		return nil, fmt.Errorf("failed to derive burst counter: %w", err)
	}
	if l.cfg.BurstLimit > 0 && burstCount >= l.cfg.BurstLimit {
		l.sink.RecordEvent(ctx, telemetry.LevelWarning, telemetry.CategoryRateLimit,
			"burst limit exceeded", map[string]any{
				"agent_id": agentID.String(),
				"count":    burstCount,
				"limit":    l.cfg.BurstLimit,
			})
		return &Admission{
			Allowed: false,
			Reason:  fmt.Sprintf("burst limit of %d requests per %s exceeded", l.cfg.BurstLimit, l.cfg.BurstWindow),
		}, nil
	}

	dailyLimit, err := l.dailyLimit(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if dailyLimit <= 0 {
		// No grants carry a quota; validation rejects such agents anyway.
		return &Admission{Allowed: true}, nil
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dailyCount, err := l.requests.CountCreatedSince(ctx, agentID, midnight)
	if err != nil {
		return nil, fmt.Errorf("failed to derive daily counter: %w", err)
	}

	if dailyCount >= dailyLimit {
		l.sink.RecordEvent(ctx, telemetry.LevelWarning, telemetry.CategoryRateLimit,
			"daily quota exceeded", map[string]any{
				"agent_id": agentID.String(),
				"count":    dailyCount,
				"limit":    dailyLimit,
			})
		return &Admission{
			Allowed: false,
			Reason:  fmt.Sprintf("daily quota of %d queries exceeded", dailyLimit),
		}, nil
	}

	admission := &Admission{Allowed: true}
	warnAt := int(math.Ceil(l.cfg.WarnFraction * float64(dailyLimit)))
	if warnAt > 0 && dailyCount >= warnAt {
		admission.Warning = fmt.Sprintf("agent has used %d of %d daily queries", dailyCount, dailyLimit)
	}
	return admission, nil
}

// dailyLimit returns the minimum max_queries_per_day across the agent's
// enabled grants, or 0 when the agent has no quota-carrying grants.
func (l *rateLimiter) dailyLimit(ctx context.Context, agentID uuid.UUID) (int, error) {
	grants, err := l.permissions.ListEnabledByAgent(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to load permission grants: %w", err)
	}

	limit := 0
	for _, grant := range grants {
		if grant.MaxQueriesPerDay <= 0 {
			continue
		}
		if limit == 0 || grant.MaxQueriesPerDay < limit {
			limit = grant.MaxQueriesPerDay
		}
	}
	return limit, nil
}
