package models

import (
	"time"

	"github.com/google/uuid"
)

// FieldType is the normalized type vocabulary used by schema maps. Database
// column types are collapsed into this fixed set during introspection.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeNumber  FieldType = "number"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeDate    FieldType = "date"
	FieldTypeJSON    FieldType = "json"
	FieldTypeEnum    FieldType = "enum"
)

// RelationKind describes the cardinality of a relation between two entities.
type RelationKind string

const (
	RelationOneToOne   RelationKind = "one-to-one"
	RelationOneToMany  RelationKind = "one-to-many"
	RelationManyToOne  RelationKind = "many-to-one"
	RelationManyToMany RelationKind = "many-to-many"
)

// RelationSchema describes a single named relation on an entity.
type RelationSchema struct {
	Kind         RelationKind `json:"kind"`
	TargetEntity string       `json:"target_entity"`
	ForeignKey   string       `json:"foreign_key,omitempty"`
}

// EntitySchema is the per-entity permission surface inside a schema map:
// which actions are allowed, which fields exist and with what types, which
// fields a create must supply, and which relations may be included.
type EntitySchema struct {
	AllowedActions []Action                  `json:"allowed_actions"`
	AllowedFields  []string                  `json:"allowed_fields"`
	RequiredFields []string                  `json:"required_fields"`
	FieldTypes     map[string]FieldType      `json:"field_types"`
	Relations      map[string]RelationSchema `json:"relations,omitempty"`
	Constraints    map[string]any            `json:"constraints,omitempty"`

	// Sensitive entities are subject to bulk-mutation bans and mandatory
	// filter/limit requirements on reads.
	Sensitive bool `json:"sensitive,omitempty"`

	// RedactedFields are stripped from execution results before the result is
	// cached, logged, or returned.
	RedactedFields []string `json:"redacted_fields,omitempty"`
}

// AllowsAction reports whether the entity schema permits the action.
func (e *EntitySchema) AllowsAction(action Action) bool {
	for _, a := range e.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// AllowsField reports whether the field is part of the entity's allowed set.
func (e *EntitySchema) AllowsField(field string) bool {
	for _, f := range e.AllowedFields {
		if f == field {
			return true
		}
	}
	return false
}

// SchemaMap is a versioned description of which entities, fields, actions and
// relations agents may touch. Published versions are immutable; edits create
// a new version and exactly one version per name is active at a time.
type SchemaMap struct {
	ID        uuid.UUID               `json:"id"`
	Name      string                  `json:"name"`
	Version   int                     `json:"version"`
	Entities  map[string]EntitySchema `json:"entities"`
	Active    bool                    `json:"active"`
	CreatedAt time.Time               `json:"created_at"`
}

// Entity returns the schema for the named entity, or nil if absent.
func (m *SchemaMap) Entity(name string) *EntitySchema {
	if m == nil {
		return nil
	}
	entity, ok := m.Entities[name]
	if !ok {
		return nil
	}
	return &entity
}
