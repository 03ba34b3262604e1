package models

import (
	"time"

	"github.com/google/uuid"
)

// ImpactLevel is the blast-radius classification produced by the risk scorer.
type ImpactLevel string

const (
	ImpactLow      ImpactLevel = "LOW"
	ImpactMedium   ImpactLevel = "MEDIUM"
	ImpactHigh     ImpactLevel = "HIGH"
	ImpactCritical ImpactLevel = "CRITICAL"
)

// RequiresEscalation reports whether the impact level raises an escalation
// record in addition to the approval checkpoint.
func (l ImpactLevel) RequiresEscalation() bool {
	return l == ImpactHigh || l == ImpactCritical
}

// CheckpointResolution is an operator's decision on a checkpoint.
type CheckpointResolution string

const (
	ResolutionApproved CheckpointResolution = "APPROVED"
	ResolutionRejected CheckpointResolution = "REJECTED"
	// ResolutionModified approves the request with replacement parameters.
	ResolutionModified CheckpointResolution = "MODIFIED"
)

// ApprovalCheckpoint is a human-approval unit created for requests that fail
// the auto-approval thresholds. It carries everything an operator needs to
// judge the request: the payload, the validator's findings, and the scores.
type ApprovalCheckpoint struct {
	ID        uuid.UUID `json:"id"`
	RequestID uuid.UUID `json:"request_id"`

	Payload    map[string]any `json:"payload"`
	Warnings   []string       `json:"warnings,omitempty"`
	Confidence float64        `json:"confidence"`
	Impact     ImpactLevel    `json:"impact"`
	Escalated  bool           `json:"escalated"`

	Resolution     CheckpointResolution `json:"resolution,omitempty"`
	ModifiedParams any                  `json:"modified_params,omitempty"`
	Comment        string               `json:"comment,omitempty"`
	ResolvedBy     string               `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time           `json:"resolved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Resolved reports whether an operator has decided this checkpoint.
func (c *ApprovalCheckpoint) Resolved() bool {
	return c.Resolution != ""
}
