package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of an agent query request.
//
// PENDING -> {AUTO_APPROVED, APPROVED, REJECTED, MODIFIED -> APPROVED} -> EXECUTED.
// REJECTED and EXECUTED are terminal; execution failures are recorded as
// EXECUTED with a populated error, never reverted to PENDING.
type RequestStatus string

const (
	StatusPending      RequestStatus = "PENDING"
	StatusAutoApproved RequestStatus = "AUTO_APPROVED"
	StatusApproved     RequestStatus = "APPROVED"
	StatusModified     RequestStatus = "MODIFIED"
	StatusRejected     RequestStatus = "REJECTED"
	StatusExecuted     RequestStatus = "EXECUTED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusRejected || s == StatusExecuted
}

// IsApproved reports whether the request may proceed to execution.
func (s RequestStatus) IsApproved() bool {
	return s == StatusAutoApproved || s == StatusApproved
}

// AgentQueryRequest is the unit of work flowing through the sandbox.
// Prompt and the original parameters are immutable provenance: they are
// preserved verbatim even when a checkpoint resolution modifies the request.
type AgentQueryRequest struct {
	ID           uuid.UUID     `json:"id"`
	AgentID      uuid.UUID     `json:"agent_id"`
	UserID       string        `json:"user_id"`
	TargetEntity string        `json:"target_entity"`
	Action       Action        `json:"action"`
	Parameters   any           `json:"parameters"`
	Prompt       string        `json:"prompt,omitempty"`
	Status       RequestStatus `json:"status"`

	GeneratedQuery  string `json:"generated_query,omitempty"`
	ExecutionResult any    `json:"execution_result,omitempty"`
	ExecutionError  string `json:"execution_error,omitempty"`

	ApprovedByID    string         `json:"approved_by_id,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
}
