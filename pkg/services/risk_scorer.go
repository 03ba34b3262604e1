package services

import (
	"github.com/ekaya-inc/query-sandbox/pkg/config"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/query"
)

// RiskScore is the risk scorer's output: a confidence in [0,1] and an impact
// classification. Together they drive the auto-approve vs. escalate decision.
type RiskScore struct {
	Confidence float64            `json:"confidence"`
	Impact     models.ImpactLevel `json:"impact"`
}

// RiskScorer computes confidence and impact for a validated request. All
// scoring constants are tuning values carried in configuration, not
// structural invariants.
type RiskScorer struct {
	cfg config.RiskConfig
}

// NewRiskScorer creates a new RiskScorer.
func NewRiskScorer(cfg config.RiskConfig) *RiskScorer {
	return &RiskScorer{cfg: cfg}
}

// Score computes the risk score for a request. sensitive reflects the target
// entity's sensitivity flag; params is the effective parameter tree.
func (s *RiskScorer) Score(action models.Action, sensitive bool, warnings []string, params query.Value) RiskScore {
	confidence := s.cfg.BaseConfidence
	confidence -= float64(len(warnings)) * s.cfg.WarningPenalty
	if action.IsMutating() {
		confidence -= s.cfg.MutationPenalty
	}
	if query.CountRelationIncludes(params) > s.cfg.DeepIncludeThreshold {
		confidence -= s.cfg.DeepIncludePenalty
	}
	if confidence < 0 {
		confidence = 0
	}

	return RiskScore{
		Confidence: confidence,
		Impact:     s.impact(action, sensitive),
	}
}

// AutoApprovable reports whether a score clears the auto-approval bar:
// low-blast-radius impact and confidence above the configured threshold.
func (s *RiskScorer) AutoApprovable(score RiskScore) bool {
	if score.Impact != models.ImpactLow && score.Impact != models.ImpactMedium {
		return false
	}
	return score.Confidence > s.cfg.AutoApproveConfidence
}

func (s *RiskScorer) impact(action models.Action, sensitive bool) models.ImpactLevel {
	switch {
	case sensitive && action.IsDeleteClass():
		return models.ImpactCritical
	case sensitive && action.IsUpdateClass(), action.IsBulkMutation():
		return models.ImpactHigh
	case action.IsMutating():
		return models.ImpactMedium
	default:
		return models.ImpactLow
	}
}
