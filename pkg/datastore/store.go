// Package datastore defines the uniform execute-operation interface the
// sandbox uses to reach the application data store. The concrete storage
// engine is an external collaborator; the sandbox only ever hands it fully
// validated, approved, structured operations.
package datastore

import (
	"context"

	"github.com/ekaya-inc/query-sandbox/pkg/models"
)

// Operation is one structured request against a named entity. Params is the
// effective parameter tree (post-validation, decoded-JSON shapes).
type Operation struct {
	Entity string
	Action models.Action
	Params map[string]any
}

// Result is the raw outcome of an operation before the execution engine
// truncates and redacts it.
type Result struct {
	// Data is the operation result: a []any for list reads, a map[string]any
	// for point reads and mutations, or a scalar for count.
	Data any
	// RowCount is the number of rows read or affected, when known.
	RowCount int
}

// Store executes structured operations against the data store. Execute must
// honor ctx cancellation: when the execution engine's deadline fires, the
// underlying operation is abandoned, not awaited.
type Store interface {
	Execute(ctx context.Context, op Operation) (*Result, error)

	// Describe renders the operation as the engine-specific query text for
	// audit purposes, without executing it.
	Describe(op Operation) string
}
