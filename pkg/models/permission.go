package models

import (
	"time"

	"github.com/google/uuid"
)

// PermissionLevel bounds the kinds of actions a grant can ever authorize,
// independent of the per-entity action lists.
type PermissionLevel string

const (
	// PermissionReadOnly rejects every mutating action.
	PermissionReadOnly PermissionLevel = "READ_ONLY"
	// PermissionReadWrite allows mutations except delete-class actions.
	PermissionReadWrite PermissionLevel = "READ_WRITE"
	// PermissionFull allows all actions the entity schema allows.
	PermissionFull PermissionLevel = "FULL"
)

// AllowsAction reports whether the permission level admits the action at all.
func (l PermissionLevel) AllowsAction(action Action) bool {
	switch l {
	case PermissionReadOnly:
		return action.IsRead()
	case PermissionReadWrite:
		return !action.IsDeleteClass()
	case PermissionFull:
		return true
	}
	return false
}

// AgentQueryPermission grants one agent access to a subset of entities and
// actions within a schema map, with a daily query quota. Grants are created
// and updated by administrators, never by the agent itself.
type AgentQueryPermission struct {
	ID            uuid.UUID       `json:"id"`
	AgentID       uuid.UUID       `json:"agent_id"`
	SchemaMapName string          `json:"schema_map_name"`
	Level         PermissionLevel `json:"level"`

	// EntityActions maps entity name to the actions this grant covers for it.
	// An empty action list means "every action the schema map allows".
	EntityActions map[string][]Action `json:"entity_actions"`

	MaxQueriesPerDay int       `json:"max_queries_per_day"`
	Enabled          bool      `json:"enabled"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Covers reports whether the grant covers the (entity, action) pair.
// Level bounds are checked separately by the validator so that the caller can
// distinguish "no grant" from "wrong permission level".
func (p *AgentQueryPermission) Covers(entity string, action Action) bool {
	actions, ok := p.EntityActions[entity]
	if !ok {
		return false
	}
	if len(actions) == 0 {
		return true
	}
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}
