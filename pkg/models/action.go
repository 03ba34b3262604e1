package models

// Action is a structured data-store operation name. The sandbox only ever
// issues these twelve operations against named entities.
type Action string

const (
	ActionCreate     Action = "create"
	ActionCreateMany Action = "createMany"
	ActionFindMany   Action = "findMany"
	ActionFindUnique Action = "findUnique"
	ActionFindFirst  Action = "findFirst"
	ActionUpdate     Action = "update"
	ActionUpdateMany Action = "updateMany"
	ActionUpsert     Action = "upsert"
	ActionDelete     Action = "delete"
	ActionDeleteMany Action = "deleteMany"
	ActionCount      Action = "count"
	ActionAggregate  Action = "aggregate"
)

// AllActions lists every supported action in canonical order.
var AllActions = []Action{
	ActionCreate, ActionCreateMany,
	ActionFindMany, ActionFindUnique, ActionFindFirst,
	ActionUpdate, ActionUpdateMany, ActionUpsert,
	ActionDelete, ActionDeleteMany,
	ActionCount, ActionAggregate,
}

// IsValid reports whether a is one of the supported actions.
func (a Action) IsValid() bool {
	for _, known := range AllActions {
		if a == known {
			return true
		}
	}
	return false
}

// IsRead reports whether the action only reads data.
func (a Action) IsRead() bool {
	switch a {
	case ActionFindMany, ActionFindUnique, ActionFindFirst, ActionCount, ActionAggregate:
		return true
	}
	return false
}

// IsMutating reports whether the action writes data.
func (a Action) IsMutating() bool {
	return !a.IsRead()
}

// IsBulkMutation reports whether the action can touch more than one row
// without addressing each row individually.
func (a Action) IsBulkMutation() bool {
	switch a {
	case ActionCreateMany, ActionUpdateMany, ActionDeleteMany, ActionUpsert:
		return true
	}
	return false
}

// IsDeleteClass reports whether the action removes rows.
func (a Action) IsDeleteClass() bool {
	return a == ActionDelete || a == ActionDeleteMany
}

// IsUpdateClass reports whether the action modifies existing rows.
func (a Action) IsUpdateClass() bool {
	return a == ActionUpdate || a == ActionUpdateMany || a == ActionUpsert
}

// IsCacheable reports whether results for the action may be cached.
// Only read-only actions qualify.
func (a Action) IsCacheable() bool {
	return a.IsRead()
}
