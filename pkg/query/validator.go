package query

import (
	"fmt"
	"math"
	"strconv"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
)

// Mode selects how shape problems are handled. Security findings (injection,
// sensitive-entity mutation bans, permission checks) are fatal in both modes.
type Mode string

const (
	// ModeStrict turns every shape problem into a hard error.
	ModeStrict Mode = "strict"
	// ModePermissive strips disallowed fields, injects missing limits and
	// clamps oversized ones, surfacing each rewrite as a warning.
	ModePermissive Mode = "permissive"
)

// Limits holds the shape-limit tuning values. These are product-tuning
// numbers, not invariants; they come from configuration.
type Limits struct {
	// SensitiveReadLimit is injected on sensitive-entity reads in permissive mode.
	SensitiveReadLimit int
	// DefaultListLimit is injected on unscoped list reads in permissive mode.
	DefaultListLimit int
	// MaxListLimit is the hard ceiling for explicit limits.
	MaxListLimit int
}

// DefaultLimits returns the stock limit values.
func DefaultLimits() Limits {
	return Limits{SensitiveReadLimit: 50, DefaultListLimit: 100, MaxListLimit: 1000}
}

// Error codes emitted by the validator. Codes are stable: tests and the
// escalation UI key off them.
const (
	CodeNoPermission        = "no_permission"
	CodeActionNotPermitted  = "action_not_permitted"
	CodeNoSchemaMap         = "no_schema_map"
	CodePermissionLevel     = "permission_level"
	CodeUnknownEntity       = "unknown_entity"
	CodeUnknownAction       = "unknown_action"
	CodeSensitiveMutation   = "sensitive_entity_mutation"
	CodeWhereRequired       = "where_clause_required"
	CodeLimitRequired       = "limit_required"
	CodeLimitExceeded       = "limit_exceeded"
	CodeMissingRequired     = "missing_required_field"
	CodeUnknownField        = "unknown_field"
	CodeUnknownRelation     = "unknown_relation"
	CodeTypeMismatch        = "type_mismatch"
	CodeInjectionDetected   = "injection_detected"
	CodeInvalidParams       = "invalid_params"
	CodeUnknownParamSection = "unknown_param_section"
)

// Error is one validation failure with its location in the parameter tree.
type Error struct {
	Code    string `json:"code"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s at %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Sentinel maps the error code onto the shared error taxonomy so callers can
// classify with errors.Is.
func (e Error) Sentinel() error {
	switch e.Code {
	case CodeNoPermission, CodeActionNotPermitted, CodePermissionLevel:
		return apperrors.ErrPermissionDenied
	case CodeInjectionDetected:
		return apperrors.ErrInjectionDetected
	default:
		return apperrors.ErrSchemaViolation
	}
}

// Result is the outcome of one validation pass. Any non-empty error list
// means invalid. Warnings are informational; the request still proceeds.
// Params is the effective parameter tree: identical to the input in strict
// mode, possibly rewritten (stripped fields, injected limits) in permissive.
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []Error  `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Params   Value    `json:"-"`
}

// Err returns the first error mapped to its sentinel, or nil when valid.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	first := r.Errors[0]
	return fmt.Errorf("%w: %s", first.Sentinel(), first.Error())
}

// Input carries everything one validation pass needs. Grants must already be
// filtered to the requesting agent; Schema is the active schema map resolved
// for the covering grant (nil when none exists).
type Input struct {
	Grants []models.AgentQueryPermission
	Schema *models.SchemaMap
	Entity string
	Action models.Action
	Params Value
	Mode   Mode
	Limits Limits
}

// Parameter sections recognized at the top level of a request tree.
const (
	sectionWhere   = "where"
	sectionData    = "data"
	sectionSelect  = "select"
	sectionInclude = "include"
	sectionOrderBy = "orderBy"
	sectionLimit   = "limit"
	sectionOffset  = "offset"
)

// Validate runs the full validation pipeline: permission grants, permission
// level, sensitive-entity rules, entity schema, recursive field/type checks,
// injection screening, and shape limits. The error and warning lists are
// deterministic for identical inputs.
func Validate(in Input) *Result {
	v := &validator{in: in, result: &Result{Params: in.Params}}
	v.run()
	v.result.Valid = len(v.result.Errors) == 0
	return v.result
}

type validator struct {
	in     Input
	result *Result
	entity *models.EntitySchema
}

func (v *validator) errorf(code, path, format string, args ...any) {
	v.result.Errors = append(v.result.Errors, Error{
		Code:    code,
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	})
}

func (v *validator) warnf(format string, args ...any) {
	v.result.Warnings = append(v.result.Warnings, fmt.Sprintf(format, args...))
}

func (v *validator) strict() bool { return v.in.Mode != ModePermissive }

func (v *validator) run() {
	in := v.in

	if !in.Action.IsValid() {
		v.errorf(CodeUnknownAction, "", "unsupported action %q", in.Action)
		return
	}

	// Steps 1-2: the agent needs at least one grant, and some grant must
	// cover the (entity, action) pair.
	if len(in.Grants) == 0 {
		v.errorf(CodeNoPermission, "", "agent has no query permissions")
		return
	}
	var covering []models.AgentQueryPermission
	for _, grant := range in.Grants {
		if grant.Enabled && grant.Covers(in.Entity, in.Action) {
			covering = append(covering, grant)
		}
	}
	if len(covering) == 0 {
		v.errorf(CodeActionNotPermitted, "", "no grant covers %s on entity %q", in.Action, in.Entity)
		return
	}

	// Step 3: the covering grant's schema map must be resolvable and active.
	if in.Schema == nil {
		v.errorf(CodeNoSchemaMap, "", "no active schema map for entity %q", in.Entity)
		return
	}

	// Step 4: permission level bounds the action class regardless of the
	// per-entity action lists.
	levelOK := false
	for _, grant := range covering {
		if grant.Level.AllowsAction(in.Action) {
			levelOK = true
			break
		}
	}
	if !levelOK {
		v.errorf(CodePermissionLevel, "", "permission level does not allow %s", in.Action)
		return
	}

	v.entity = in.Schema.Entity(in.Entity)
	if v.entity == nil {
		v.errorf(CodeUnknownEntity, "", "entity %q is not in schema map %q", in.Entity, in.Schema.Name)
		return
	}

	// Step 9 runs early on the ORIGINAL tree so permissive-mode stripping can
	// never hide an injection attempt. Security boundary: fatal in both modes.
	for _, finding := range ScanTree(in.Params) {
		v.errorf(CodeInjectionDetected, finding.Path, "injection signature %s matched", finding.Signature)
	}
	if len(v.result.Errors) > 0 {
		return
	}

	// Step 5: sensitive-entity rules.
	if v.entity.Sensitive {
		if !v.checkSensitive() {
			return
		}
	}

	// Step 6: entity-level schema.
	if !v.entity.AllowsAction(in.Action) {
		v.errorf(CodeUnknownAction, "", "action %s is not allowed on entity %q", in.Action, in.Entity)
		return
	}
	v.checkRequiredFields()

	// Steps 7-8: recursive field and type validation, possibly rewriting the
	// tree in permissive mode.
	v.result.Params = v.walkParams(v.result.Params)

	// Step 10: unscoped list reads need a limit; explicit limits are capped.
	v.checkLimits()
}

// checkSensitive enforces the sensitive-entity rules. Returns false when
// validation should stop.
func (v *validator) checkSensitive() bool {
	in := v.in
	switch in.Action {
	case models.ActionUpdate, models.ActionUpdateMany, models.ActionUpsert,
		models.ActionDelete, models.ActionDeleteMany:
		// Mutation ban holds in both modes.
		v.errorf(CodeSensitiveMutation, "", "bulk mutation %s is not allowed on sensitive entity %q", in.Action, in.Entity)
		return false
	}

	if !in.Action.IsRead() {
		return true
	}

	where, _ := v.result.Params.Field(sectionWhere)
	if where.IsEmptyObject() {
		if v.strict() {
			v.errorf(CodeWhereRequired, sectionWhere, "sensitive entity %q requires a non-empty where clause", in.Entity)
			return false
		}
		v.warnf("sensitive entity %q queried without a where clause", in.Entity)
	}

	limit, hasLimit := v.limitValue()
	if !hasLimit || limit <= 0 || limit > v.in.Limits.SensitiveReadLimit {
		if v.strict() {
			if !hasLimit {
				v.errorf(CodeLimitRequired, sectionLimit, "sensitive entity %q requires an explicit result limit", in.Entity)
			} else {
				v.errorf(CodeLimitExceeded, sectionLimit, "limit %d exceeds sensitive-entity ceiling %d", limit, v.in.Limits.SensitiveReadLimit)
			}
			return false
		}
		v.setLimit(v.in.Limits.SensitiveReadLimit)
		v.warnf("injected limit %d on sensitive entity %q", v.in.Limits.SensitiveReadLimit, in.Entity)
	}
	return true
}

// checkRequiredFields verifies create payloads carry every required field.
func (v *validator) checkRequiredFields() {
	if v.in.Action != models.ActionCreate && v.in.Action != models.ActionCreateMany {
		return
	}
	data, ok := v.result.Params.Field(sectionData)
	if !ok {
		if len(v.entity.RequiredFields) > 0 {
			v.errorf(CodeMissingRequired, sectionData, "create payload is missing")
		}
		return
	}

	payloads := []Value{data}
	if data.Kind == KindArray {
		payloads = data.Array
	}
	for i, payload := range payloads {
		for _, required := range v.entity.RequiredFields {
			if _, present := payload.Field(required); !present {
				path := sectionData
				if data.Kind == KindArray {
					path = sectionData + "[" + strconv.Itoa(i) + "]"
				}
				v.errorf(CodeMissingRequired, path+"."+required, "required field %q is missing", required)
			}
		}
	}
}

// walkParams validates the top-level sections and returns the effective tree.
func (v *validator) walkParams(params Value) Value {
	if params.Kind == KindNull {
		return Object(map[string]Value{})
	}
	if params.Kind != KindObject {
		v.errorf(CodeInvalidParams, "", "parameters must be an object, got %s", params.Kind)
		return params
	}

	out := make(map[string]Value, len(params.Object))
	for _, key := range params.SortedKeys() {
		child := params.Object[key]
		switch key {
		case sectionWhere:
			out[key] = v.walkWhere(key, child, v.entity)
		case sectionData:
			out[key] = v.walkData(key, child)
		case sectionSelect:
			out[key] = v.walkSelect(key, child, v.entity)
		case sectionInclude:
			out[key] = v.walkInclude(key, child, v.entity)
		case sectionOrderBy:
			out[key] = v.walkOrderBy(key, child)
		case sectionLimit, sectionOffset:
			if child.Kind != KindNumber {
				v.errorf(CodeTypeMismatch, key, "%s must be a number, got %s", key, child.Kind)
				continue
			}
			out[key] = child
		default:
			if v.strict() {
				v.errorf(CodeUnknownParamSection, key, "unknown parameter section %q", key)
				continue
			}
			v.warnf("stripped unknown parameter section %q", key)
		}
	}
	return Object(out)
}

// whereOperators are the comparison operators accepted inside filter clauses.
var whereOperators = map[string]bool{
	"equals": true, "not": true, "in": true, "notIn": true,
	"lt": true, "lte": true, "gt": true, "gte": true,
	"contains": true, "startsWith": true, "endsWith": true,
}

// whereCombinators join sub-filters.
var whereCombinators = map[string]bool{"AND": true, "OR": true, "NOT": true}

func (v *validator) walkWhere(path string, clause Value, entity *models.EntitySchema) Value {
	if clause.Kind != KindObject {
		v.errorf(CodeInvalidParams, path, "where clause must be an object, got %s", clause.Kind)
		return clause
	}

	out := make(map[string]Value, len(clause.Object))
	for _, key := range clause.SortedKeys() {
		child := clause.Object[key]
		childPath := path + "." + key

		if whereCombinators[key] {
			switch child.Kind {
			case KindArray:
				items := make([]Value, 0, len(child.Array))
				for i, item := range child.Array {
					items = append(items, v.walkWhere(childPath+indexSegment(i), item, entity))
				}
				out[key] = Value{Kind: KindArray, Array: items}
			case KindObject:
				out[key] = v.walkWhere(childPath, child, entity)
			default:
				v.errorf(CodeInvalidParams, childPath, "combinator %s must hold objects", key)
			}
			continue
		}

		if !entity.AllowsField(key) {
			if relation, ok := entity.Relations[key]; ok {
				// Relation filter: recurse against the target entity when we
				// can resolve it, otherwise pass through untyped.
				target := v.in.Schema.Entity(relation.TargetEntity)
				if target != nil && child.Kind == KindObject {
					out[key] = v.walkWhere(childPath, child, target)
					continue
				}
			}
			if v.strict() {
				v.errorf(CodeUnknownField, childPath, "field %q is not allowed on this entity", key)
				continue
			}
			v.warnf("stripped disallowed filter field %q", childPath)
			continue
		}

		fieldType := entity.FieldTypes[key]
		if child.Kind == KindObject {
			// Operator object like {"gte": 5}.
			ops := make(map[string]Value, len(child.Object))
			for _, op := range child.SortedKeys() {
				opValue := child.Object[op]
				opPath := childPath + "." + op
				if !whereOperators[op] {
					if v.strict() {
						v.errorf(CodeUnknownField, opPath, "unknown filter operator %q", op)
						continue
					}
					v.warnf("stripped unknown filter operator %q", opPath)
					continue
				}
				v.checkScalarType(opPath, opValue, fieldType)
				ops[op] = opValue
			}
			out[key] = Object(ops)
			continue
		}

		v.checkScalarType(childPath, child, fieldType)
		out[key] = child
	}
	return Object(out)
}

func (v *validator) walkData(path string, data Value) Value {
	if data.Kind == KindArray {
		items := make([]Value, 0, len(data.Array))
		for i, item := range data.Array {
			items = append(items, v.walkData(path+indexSegment(i), item))
		}
		return Value{Kind: KindArray, Array: items}
	}
	if data.Kind != KindObject {
		v.errorf(CodeInvalidParams, path, "write payload must be an object, got %s", data.Kind)
		return data
	}

	out := make(map[string]Value, len(data.Object))
	for _, key := range data.SortedKeys() {
		child := data.Object[key]
		childPath := path + "." + key
		if !v.entity.AllowsField(key) {
			if v.strict() {
				v.errorf(CodeUnknownField, childPath, "field %q is not allowed on this entity", key)
				continue
			}
			v.warnf("stripped disallowed payload field %q", childPath)
			continue
		}
		v.checkScalarType(childPath, child, v.entity.FieldTypes[key])
		out[key] = child
	}
	return Object(out)
}

func (v *validator) walkSelect(path string, sel Value, entity *models.EntitySchema) Value {
	if sel.Kind != KindObject {
		v.errorf(CodeInvalidParams, path, "field selection must be an object, got %s", sel.Kind)
		return sel
	}

	out := make(map[string]Value, len(sel.Object))
	for _, key := range sel.SortedKeys() {
		child := sel.Object[key]
		childPath := path + "." + key

		if entity.AllowsField(key) {
			out[key] = child
			continue
		}
		if relation, ok := entity.Relations[key]; ok {
			if child.Kind == KindObject {
				target := v.in.Schema.Entity(relation.TargetEntity)
				if target != nil {
					if nested, ok := child.Field(sectionSelect); ok {
						rewritten := v.walkSelect(childPath+"."+sectionSelect, nested, target)
						merged := make(map[string]Value, len(child.Object))
						for k, cv := range child.Object {
							merged[k] = cv
						}
						merged[sectionSelect] = rewritten
						out[key] = Object(merged)
						continue
					}
				}
			}
			out[key] = child
			continue
		}
		if v.strict() {
			v.errorf(CodeUnknownField, childPath, "field %q is not allowed on this entity", key)
			continue
		}
		v.warnf("stripped disallowed selection field %q", childPath)
	}
	return Object(out)
}

func (v *validator) walkInclude(path string, include Value, entity *models.EntitySchema) Value {
	if include.Kind != KindObject {
		v.errorf(CodeInvalidParams, path, "relation include must be an object, got %s", include.Kind)
		return include
	}

	out := make(map[string]Value, len(include.Object))
	for _, key := range include.SortedKeys() {
		child := include.Object[key]
		childPath := path + "." + key

		relation, ok := entity.Relations[key]
		if !ok {
			if v.strict() {
				v.errorf(CodeUnknownRelation, childPath, "relation %q does not exist on this entity", key)
				continue
			}
			v.warnf("stripped unknown relation include %q", childPath)
			continue
		}

		if child.Kind == KindObject {
			target := v.in.Schema.Entity(relation.TargetEntity)
			if target != nil {
				merged := make(map[string]Value, len(child.Object))
				for k, cv := range child.Object {
					merged[k] = cv
				}
				if nested, ok := child.Field(sectionInclude); ok {
					merged[sectionInclude] = v.walkInclude(childPath+"."+sectionInclude, nested, target)
				}
				if nested, ok := child.Field(sectionSelect); ok {
					merged[sectionSelect] = v.walkSelect(childPath+"."+sectionSelect, nested, target)
				}
				if nested, ok := child.Field(sectionWhere); ok {
					merged[sectionWhere] = v.walkWhere(childPath+"."+sectionWhere, nested, target)
				}
				out[key] = Object(merged)
				continue
			}
		}
		out[key] = child
	}
	return Object(out)
}

func (v *validator) walkOrderBy(path string, orderBy Value) Value {
	if orderBy.Kind != KindObject {
		v.errorf(CodeInvalidParams, path, "orderBy must be an object, got %s", orderBy.Kind)
		return orderBy
	}
	out := make(map[string]Value, len(orderBy.Object))
	for _, key := range orderBy.SortedKeys() {
		child := orderBy.Object[key]
		childPath := path + "." + key
		if !v.entity.AllowsField(key) {
			if v.strict() {
				v.errorf(CodeUnknownField, childPath, "field %q is not allowed on this entity", key)
				continue
			}
			v.warnf("stripped disallowed orderBy field %q", childPath)
			continue
		}
		if child.Kind != KindString || (child.Str != "asc" && child.Str != "desc") {
			v.errorf(CodeInvalidParams, childPath, "orderBy direction must be \"asc\" or \"desc\"")
			continue
		}
		out[key] = child
	}
	return Object(out)
}

// checkScalarType verifies a leaf (or an array of leaves, for "in" operators)
// against the schema field type. Date fields accept ISO-parseable strings.
func (v *validator) checkScalarType(path string, value Value, fieldType models.FieldType) {
	if value.Kind == KindNull || fieldType == "" {
		return
	}
	if value.Kind == KindArray {
		for i, item := range value.Array {
			v.checkScalarType(path+indexSegment(i), item, fieldType)
		}
		return
	}

	ok := false
	switch fieldType {
	case models.FieldTypeString, models.FieldTypeEnum:
		ok = value.Kind == KindString
	case models.FieldTypeNumber:
		ok = value.Kind == KindNumber
	case models.FieldTypeBoolean:
		ok = value.Kind == KindBool
	case models.FieldTypeDate:
		ok = value.Kind == KindString && isISODate(value.Str)
	case models.FieldTypeJSON:
		ok = true
	}
	if !ok {
		v.errorf(CodeTypeMismatch, path, "expected %s, got %s", fieldType, value.Kind)
	}
}

// checkLimits enforces the list-read shape limits (step 10). Sensitive
// entities were already held to the tighter limit in checkSensitive.
func (v *validator) checkLimits() {
	if v.in.Action != models.ActionFindMany {
		return
	}

	limit, hasLimit := v.limitValue()
	switch {
	case !hasLimit:
		if v.entity.Sensitive {
			return // handled by checkSensitive
		}
		if v.strict() {
			v.errorf(CodeLimitRequired, sectionLimit, "list reads require an explicit result limit")
			return
		}
		v.setLimit(v.in.Limits.DefaultListLimit)
		v.warnf("injected default limit %d on unscoped list read", v.in.Limits.DefaultListLimit)
	case limit > v.in.Limits.MaxListLimit:
		if v.strict() {
			v.errorf(CodeLimitExceeded, sectionLimit, "limit %d exceeds ceiling %d", limit, v.in.Limits.MaxListLimit)
			return
		}
		v.setLimit(v.in.Limits.MaxListLimit)
		v.warnf("clamped limit %d to ceiling %d", limit, v.in.Limits.MaxListLimit)
	}
}

// limitValue reads the effective limit from the params tree.
func (v *validator) limitValue() (int, bool) {
	limit, ok := v.result.Params.Field(sectionLimit)
	if !ok || limit.Kind != KindNumber {
		return 0, false
	}
	if limit.Num != math.Trunc(limit.Num) {
		return 0, false
	}
	return int(limit.Num), true
}

// setLimit writes an injected/clamped limit back into the effective params.
func (v *validator) setLimit(limit int) {
	params := v.result.Params
	if params.Kind != KindObject {
		params = Object(map[string]Value{})
	}
	fields := make(map[string]Value, len(params.Object)+1)
	for k, child := range params.Object {
		fields[k] = child
	}
	fields[sectionLimit] = Number(float64(limit))
	v.result.Params = Object(fields)
}

// CountRelationIncludes returns the number of relation-include nodes in the
// tree, counting nested includes at every depth. The risk scorer penalizes
// requests with more than two.
func CountRelationIncludes(params Value) int {
	count := 0
	var walk func(v Value)
	walk = func(v Value) {
		switch v.Kind {
		case KindObject:
			for _, k := range v.SortedKeys() {
				child := v.Object[k]
				if k == sectionInclude && child.Kind == KindObject {
					count += len(child.Object)
				}
				walk(child)
			}
		case KindArray:
			for _, child := range v.Array {
				walk(child)
			}
		}
	}
	walk(params)
	return count
}
