package datastore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jinzhu/inflection"

	"github.com/ekaya-inc/query-sandbox/pkg/database"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
)

// PostgresStore executes structured operations against a Postgres database.
// Identifiers are quoted with pgx and every value travels as a bind
// parameter; the store never interpolates values into SQL text.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Execute runs the operation. Relation includes are not materialized by this
// store; callers that need joined data issue follow-up operations per
// relation.
func (s *PostgresStore) Execute(ctx context.Context, op Operation) (*Result, error) {
	sql, args, err := buildSQL(op)
	if err != nil {
		return nil, err
	}

	switch op.Action {
	case models.ActionCount, models.ActionAggregate:
		var count int64
		if err := s.db.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
			return nil, fmt.Errorf("execute %s on %s: %w", op.Action, op.Entity, err)
		}
		return &Result{Data: count, RowCount: int(count)}, nil

	case models.ActionFindMany, models.ActionFindUnique, models.ActionFindFirst:
		rows, err := s.db.Query(ctx, sql, args...)
		if err != nil {
			return nil, fmt.Errorf("execute %s on %s: %w", op.Action, op.Entity, err)
		}
		defer rows.Close()

		data, err := collectRows(rows)
		if err != nil {
			return nil, fmt.Errorf("collect %s rows on %s: %w", op.Action, op.Entity, err)
		}
		if op.Action == models.ActionFindMany {
			return &Result{Data: data, RowCount: len(data)}, nil
		}
		if len(data) == 0 {
			return &Result{Data: nil, RowCount: 0}, nil
		}
		return &Result{Data: data[0], RowCount: 1}, nil

	default:
		// Mutations return the affected rows via RETURNING.
		rows, err := s.db.Query(ctx, sql, args...)
		if err != nil {
			return nil, fmt.Errorf("execute %s on %s: %w", op.Action, op.Entity, err)
		}
		defer rows.Close()

		data, err := collectRows(rows)
		if err != nil {
			return nil, fmt.Errorf("collect %s rows on %s: %w", op.Action, op.Entity, err)
		}
		if op.Action == models.ActionCreate || op.Action == models.ActionUpdate ||
			op.Action == models.ActionUpsert || op.Action == models.ActionDelete {
			if len(data) == 0 {
				return &Result{Data: nil, RowCount: 0}, nil
			}
			return &Result{Data: data[0], RowCount: 1}, nil
		}
		return &Result{Data: data, RowCount: len(data)}, nil
	}
}

// Describe renders the SQL for the operation without executing it. Bind
// parameters stay as placeholders; values never appear in the text.
func (s *PostgresStore) Describe(op Operation) string {
	sql, _, err := buildSQL(op)
	if err != nil {
		return fmt.Sprintf("-- unbuildable operation: %s", err)
	}
	return sql
}

// tableName maps an entity name to its table: the plural form.
func tableName(entity string) string {
	return pgx.Identifier{inflection.Plural(entity)}.Sanitize()
}

func quoteColumn(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// builder accumulates SQL text and bind parameters.
type builder struct {
	sql  strings.Builder
	args []any
}

func (b *builder) write(s string) {
	b.sql.WriteString(s)
}

func (b *builder) bind(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func buildSQL(op Operation) (string, []any, error) {
	var b builder
	table := tableName(op.Entity)

	switch op.Action {
	case models.ActionFindMany, models.ActionFindUnique, models.ActionFindFirst:
		b.write("SELECT " + selectColumns(op.Params) + " FROM " + table)
		if err := writeWhere(&b, op.Params); err != nil {
			return "", nil, err
		}
		writeOrderBy(&b, op.Params)
		if op.Action == models.ActionFindMany {
			writeLimitOffset(&b, op.Params)
		} else {
			b.write(" LIMIT 1")
		}

	case models.ActionCount, models.ActionAggregate:
		b.write("SELECT COUNT(*) FROM " + table)
		if err := writeWhere(&b, op.Params); err != nil {
			return "", nil, err
		}

	case models.ActionCreate:
		data, err := dataObject(op.Params)
		if err != nil {
			return "", nil, err
		}
		writeInsert(&b, table, data)
		b.write(" RETURNING *")

	case models.ActionCreateMany:
		rows, err := dataRows(op.Params)
		if err != nil {
			return "", nil, err
		}
		if err := writeInsertMany(&b, table, rows); err != nil {
			return "", nil, err
		}
		b.write(" RETURNING *")

	case models.ActionUpdate, models.ActionUpdateMany:
		data, err := dataObject(op.Params)
		if err != nil {
			return "", nil, err
		}
		writeUpdate(&b, table, data)
		if err := writeWhere(&b, op.Params); err != nil {
			return "", nil, err
		}
		b.write(" RETURNING *")

	case models.ActionUpsert:
		data, err := dataObject(op.Params)
		if err != nil {
			return "", nil, err
		}
		if err := writeUpsert(&b, table, op.Params, data); err != nil {
			return "", nil, err
		}
		b.write(" RETURNING *")

	case models.ActionDelete, models.ActionDeleteMany:
		b.write("DELETE FROM " + table)
		if err := writeWhere(&b, op.Params); err != nil {
			return "", nil, err
		}
		b.write(" RETURNING *")

	default:
		return "", nil, fmt.Errorf("unsupported action %q", op.Action)
	}

	return b.sql.String(), b.args, nil
}

// selectColumns honors the select section when present, otherwise *.
func selectColumns(params map[string]any) string {
	sel, ok := params["select"].(map[string]any)
	if !ok || len(sel) == 0 {
		return "*"
	}
	fields := make([]string, 0, len(sel))
	for field, picked := range sel {
		if on, ok := picked.(bool); ok && on {
			fields = append(fields, quoteColumn(field))
		}
	}
	if len(fields) == 0 {
		return "*"
	}
	sort.Strings(fields)
	return strings.Join(fields, ", ")
}

func writeWhere(b *builder, params map[string]any) error {
	where, ok := params["where"].(map[string]any)
	if !ok || len(where) == 0 {
		return nil
	}
	clause, err := whereClause(b, where)
	if err != nil {
		return err
	}
	if clause != "" {
		b.write(" WHERE " + clause)
	}
	return nil
}

// whereClause renders a filter object. Keys are visited in sorted order so
// generated SQL is deterministic for identical parameter trees.
func whereClause(b *builder, where map[string]any) (string, error) {
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		value := where[key]
		switch key {
		case "AND", "OR":
			branches, ok := value.([]any)
			if !ok {
				return "", fmt.Errorf("%s must be an array", key)
			}
			var sub []string
			for _, branch := range branches {
				obj, ok := branch.(map[string]any)
				if !ok {
					return "", fmt.Errorf("%s branches must be objects", key)
				}
				clause, err := whereClause(b, obj)
				if err != nil {
					return "", err
				}
				if clause != "" {
					sub = append(sub, "("+clause+")")
				}
			}
			if len(sub) > 0 {
				parts = append(parts, "("+strings.Join(sub, " "+key+" ")+")")
			}
		case "NOT":
			obj, ok := value.(map[string]any)
			if !ok {
				return "", fmt.Errorf("NOT must be an object")
			}
			clause, err := whereClause(b, obj)
			if err != nil {
				return "", err
			}
			if clause != "" {
				parts = append(parts, "NOT ("+clause+")")
			}
		default:
			clause, err := fieldCondition(b, key, value)
			if err != nil {
				return "", err
			}
			parts = append(parts, clause)
		}
	}
	return strings.Join(parts, " AND "), nil
}

// fieldCondition renders one field filter: either a bare scalar (equality
// shorthand) or an operator object.
func fieldCondition(b *builder, field string, value any) (string, error) {
	col := quoteColumn(field)

	ops, ok := value.(map[string]any)
	if !ok {
		if value == nil {
			return col + " IS NULL", nil
		}
		return col + " = " + b.bind(value), nil
	}

	opNames := make([]string, 0, len(ops))
	for name := range ops {
		opNames = append(opNames, name)
	}
	sort.Strings(opNames)

	var parts []string
	for _, name := range opNames {
		operand := ops[name]
		switch name {
		case "equals":
			if operand == nil {
				parts = append(parts, col+" IS NULL")
			} else {
				parts = append(parts, col+" = "+b.bind(operand))
			}
		case "not":
			if operand == nil {
				parts = append(parts, col+" IS NOT NULL")
			} else {
				parts = append(parts, col+" <> "+b.bind(operand))
			}
		case "in", "notIn":
			values, ok := operand.([]any)
			if !ok {
				return "", fmt.Errorf("%s.%s requires an array", field, name)
			}
			placeholders := make([]string, len(values))
			for i, v := range values {
				placeholders[i] = b.bind(v)
			}
			keyword := " IN ("
			if name == "notIn" {
				keyword = " NOT IN ("
			}
			parts = append(parts, col+keyword+strings.Join(placeholders, ", ")+")")
		case "lt":
			parts = append(parts, col+" < "+b.bind(operand))
		case "lte":
			parts = append(parts, col+" <= "+b.bind(operand))
		case "gt":
			parts = append(parts, col+" > "+b.bind(operand))
		case "gte":
			parts = append(parts, col+" >= "+b.bind(operand))
		case "contains":
			parts = append(parts, col+" ILIKE "+b.bind(fmt.Sprintf("%%%v%%", operand)))
		case "startsWith":
			parts = append(parts, col+" ILIKE "+b.bind(fmt.Sprintf("%v%%", operand)))
		case "endsWith":
			parts = append(parts, col+" ILIKE "+b.bind(fmt.Sprintf("%%%v", operand)))
		default:
			return "", fmt.Errorf("unsupported operator %q on field %s", name, field)
		}
	}
	return strings.Join(parts, " AND "), nil
}

func writeOrderBy(b *builder, params map[string]any) {
	orderBy, ok := params["orderBy"].(map[string]any)
	if !ok || len(orderBy) == 0 {
		return
	}
	fields := make([]string, 0, len(orderBy))
	for field := range orderBy {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var parts []string
	for _, field := range fields {
		direction := "ASC"
		if dir, ok := orderBy[field].(string); ok && strings.EqualFold(dir, "desc") {
			direction = "DESC"
		}
		parts = append(parts, quoteColumn(field)+" "+direction)
	}
	b.write(" ORDER BY " + strings.Join(parts, ", "))
}

func writeLimitOffset(b *builder, params map[string]any) {
	if limit, ok := numericParam(params["limit"]); ok {
		b.write(" LIMIT " + b.bind(limit))
	}
	if offset, ok := numericParam(params["offset"]); ok {
		b.write(" OFFSET " + b.bind(offset))
	}
}

func numericParam(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

func dataObject(params map[string]any) (map[string]any, error) {
	data, ok := params["data"].(map[string]any)
	if !ok || len(data) == 0 {
		return nil, fmt.Errorf("data object is required")
	}
	return data, nil
}

func dataRows(params map[string]any) ([]map[string]any, error) {
	raw, ok := params["data"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("data array is required")
	}
	rows := make([]map[string]any, len(raw))
	for i, item := range raw {
		row, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("data[%d] must be an object", i)
		}
		rows[i] = row
	}
	return rows, nil
}

func sortedFields(data map[string]any) []string {
	fields := make([]string, 0, len(data))
	for field := range data {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func writeInsert(b *builder, table string, data map[string]any) {
	fields := sortedFields(data)
	cols := make([]string, len(fields))
	placeholders := make([]string, len(fields))
	for i, field := range fields {
		cols[i] = quoteColumn(field)
		placeholders[i] = b.bind(data[field])
	}
	b.write("INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.Join(placeholders, ", ") + ")")
}

// writeInsertMany requires every row to carry the same field set.
func writeInsertMany(b *builder, table string, rows []map[string]any) error {
	fields := sortedFields(rows[0])
	cols := make([]string, len(fields))
	for i, field := range fields {
		cols[i] = quoteColumn(field)
	}

	b.write("INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES ")
	tuples := make([]string, len(rows))
	for i, row := range rows {
		if len(row) != len(fields) {
			return fmt.Errorf("data rows must share the same fields")
		}
		placeholders := make([]string, len(fields))
		for j, field := range fields {
			value, ok := row[field]
			if !ok {
				return fmt.Errorf("data rows must share the same fields")
			}
			placeholders[j] = b.bind(value)
		}
		tuples[i] = "(" + strings.Join(placeholders, ", ") + ")"
	}
	b.write(strings.Join(tuples, ", "))
	return nil
}

func writeUpdate(b *builder, table string, data map[string]any) {
	fields := sortedFields(data)
	assignments := make([]string, len(fields))
	for i, field := range fields {
		assignments[i] = quoteColumn(field) + " = " + b.bind(data[field])
	}
	b.write("UPDATE " + table + " SET " + strings.Join(assignments, ", "))
}

// writeUpsert uses the where section's scalar equality fields as the conflict
// target. Operator objects and combinators are not valid upsert selectors.
func writeUpsert(b *builder, table string, params map[string]any, data map[string]any) error {
	where, ok := params["where"].(map[string]any)
	if !ok || len(where) == 0 {
		return fmt.Errorf("upsert requires a where selector")
	}

	merged := make(map[string]any, len(data)+len(where))
	for field, value := range data {
		merged[field] = value
	}
	conflictCols := make([]string, 0, len(where))
	for field, value := range where {
		if _, isObject := value.(map[string]any); isObject {
			return fmt.Errorf("upsert selector %s must be a scalar equality", field)
		}
		merged[field] = value
		conflictCols = append(conflictCols, quoteColumn(field))
	}
	sort.Strings(conflictCols)

	writeInsert(b, table, merged)
	b.write(" ON CONFLICT (" + strings.Join(conflictCols, ", ") + ") DO UPDATE SET ")

	fields := sortedFields(data)
	assignments := make([]string, len(fields))
	for i, field := range fields {
		assignments[i] = quoteColumn(field) + " = EXCLUDED." + quoteColumn(field)
	}
	b.write(strings.Join(assignments, ", "))
	return nil
}

// collectRows converts pgx rows into generic maps keyed by column name.
func collectRows(rows pgx.Rows) ([]any, error) {
	var out []any
	descriptions := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(values))
		for i, desc := range descriptions {
			row[desc.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
