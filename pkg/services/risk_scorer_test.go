package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/query-sandbox/pkg/config"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/query"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		BaseConfidence:        0.8,
		WarningPenalty:        0.05,
		MutationPenalty:       0.2,
		DeepIncludePenalty:    0.1,
		DeepIncludeThreshold:  2,
		AutoApproveConfidence: 0.7,
	}
}

func scoreParams(t *testing.T, params map[string]any) query.Value {
	t.Helper()
	v, err := query.FromAny(params)
	require.NoError(t, err)
	return v
}

func TestRiskScorerImpact(t *testing.T) {
	scorer := NewRiskScorer(testRiskConfig())
	params := scoreParams(t, map[string]any{"where": map[string]any{"id": "x"}})

	tests := []struct {
		name      string
		action    models.Action
		sensitive bool
		want      models.ImpactLevel
	}{
		{"read on normal entity", models.ActionFindMany, false, models.ImpactLow},
		{"read on sensitive entity", models.ActionFindMany, true, models.ImpactLow},
		{"single-row mutation", models.ActionCreate, false, models.ImpactMedium},
		{"single-row update", models.ActionUpdate, false, models.ImpactMedium},
		{"bulk mutation", models.ActionUpdateMany, false, models.ImpactHigh},
		{"upsert counts as bulk", models.ActionUpsert, false, models.ImpactHigh},
		{"update on sensitive entity", models.ActionUpdate, true, models.ImpactHigh},
		{"delete on normal entity", models.ActionDelete, false, models.ImpactMedium},
		{"delete on sensitive entity", models.ActionDelete, true, models.ImpactCritical},
		{"bulk delete on sensitive entity", models.ActionDeleteMany, true, models.ImpactCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := scorer.Score(tt.action, tt.sensitive, nil, params)
			assert.Equal(t, tt.want, score.Impact)
		})
	}
}

func TestRiskScorerConfidence(t *testing.T) {
	scorer := NewRiskScorer(testRiskConfig())
	plain := scoreParams(t, map[string]any{"where": map[string]any{"id": "x"}})

	t.Run("clean read keeps the base confidence", func(t *testing.T) {
		score := scorer.Score(models.ActionFindMany, false, nil, plain)
		assert.InDelta(t, 0.8, score.Confidence, 1e-9)
	})

	t.Run("each warning applies a penalty", func(t *testing.T) {
		score := scorer.Score(models.ActionFindMany, false, []string{"a", "b", "c"}, plain)
		assert.InDelta(t, 0.65, score.Confidence, 1e-9)
	})

	t.Run("mutations apply a penalty", func(t *testing.T) {
		score := scorer.Score(models.ActionUpdate, false, nil, plain)
		assert.InDelta(t, 0.6, score.Confidence, 1e-9)
	})

	t.Run("deep include chains apply a penalty", func(t *testing.T) {
		deep := scoreParams(t, map[string]any{
			"include": map[string]any{
				"customer": map[string]any{
					"include": map[string]any{
						"address": map[string]any{
							"include": map[string]any{"country": true},
						},
					},
				},
			},
		})
		score := scorer.Score(models.ActionFindMany, false, nil, deep)
		assert.InDelta(t, 0.7, score.Confidence, 1e-9)
	})

	t.Run("confidence never drops below zero", func(t *testing.T) {
		warnings := make([]string, 40)
		score := scorer.Score(models.ActionUpdate, false, warnings, plain)
		assert.Equal(t, 0.0, score.Confidence)
	})
}

func TestRiskScorerAutoApprovable(t *testing.T) {
	scorer := NewRiskScorer(testRiskConfig())

	tests := []struct {
		name  string
		score RiskScore
		want  bool
	}{
		{"confident low impact", RiskScore{Confidence: 0.8, Impact: models.ImpactLow}, true},
		{"confident medium impact", RiskScore{Confidence: 0.75, Impact: models.ImpactMedium}, true},
		{"confidence at the threshold", RiskScore{Confidence: 0.7, Impact: models.ImpactLow}, false},
		{"confidence below the threshold", RiskScore{Confidence: 0.5, Impact: models.ImpactLow}, false},
		{"high impact never auto-approves", RiskScore{Confidence: 0.99, Impact: models.ImpactHigh}, false},
		{"critical impact never auto-approves", RiskScore{Confidence: 0.99, Impact: models.ImpactCritical}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scorer.AutoApprovable(tt.score))
		})
	}
}
