package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/database"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/repositories"
	"github.com/ekaya-inc/query-sandbox/pkg/telemetry"
)

// GenerateOptions shapes schema map generation. The introspected structure is
// the baseline; the options narrow it down and layer governance on top.
type GenerateOptions struct {
	// Name is the schema map name to publish under.
	Name string
	// IncludeEntities restricts generation to the named entities. Empty means
	// every discovered entity.
	IncludeEntities []string
	// ExcludeFields removes fields from an entity's allowed set, keyed by
	// entity name.
	ExcludeFields map[string][]string
	// ActionOverrides replaces the default allowed-action set per entity.
	ActionOverrides map[string][]models.Action
	// SensitiveEntities marks entities as sensitive.
	SensitiveEntities []string
	// RedactedFields marks fields whose values are stripped from results,
	// keyed by entity name.
	RedactedFields map[string][]string
}

// defaultActions is the allowed-action baseline for generated entities: reads
// only. Mutations must be granted deliberately through ActionOverrides.
var defaultActions = []models.Action{
	models.ActionFindMany, models.ActionFindUnique, models.ActionFindFirst,
	models.ActionCount, models.ActionAggregate,
}

// SchemaMapGenerator introspects the application database and produces
// versioned schema maps. Generation is read-only against the target database;
// publishing goes through the schema map repository, which handles version
// assignment and activation atomically.
type SchemaMapGenerator struct {
	db         *database.DB
	schemaMaps repositories.SchemaMapRepository
	sink       telemetry.Sink
	logger     *zap.Logger
}

// NewSchemaMapGenerator creates a new SchemaMapGenerator.
func NewSchemaMapGenerator(db *database.DB, schemaMaps repositories.SchemaMapRepository, sink telemetry.Sink, logger *zap.Logger) *SchemaMapGenerator {
	return &SchemaMapGenerator{
		db:         db,
		schemaMaps: schemaMaps,
		sink:       sink,
		logger:     logger,
	}
}

type tableInfo struct {
	schemaName string
	tableName  string
}

type columnInfo struct {
	name       string
	dataType   string
	nullable   bool
	primaryKey bool
	unique     bool
	hasDefault bool
}

type foreignKey struct {
	sourceTable  string
	sourceColumn string
	targetTable  string
	targetColumn string
}

// Generate introspects the database and builds a schema map. The returned map
// is not yet persisted; call Publish to version and activate it.
func (g *SchemaMapGenerator) Generate(ctx context.Context, opts GenerateOptions) (*models.SchemaMap, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: schema map name is required", apperrors.ErrSchemaIntrospection)
	}

	tables, err := g.discoverTables(ctx)
	if err != nil {
		return nil, err
	}
	fks, err := g.discoverForeignKeys(ctx)
	if err != nil {
		return nil, err
	}

	include := toSet(opts.IncludeEntities)
	sensitive := toSet(opts.SensitiveEntities)

	columnsByTable := make(map[string][]columnInfo, len(tables))
	for _, t := range tables {
		cols, err := g.discoverColumns(ctx, t.schemaName, t.tableName)
		if err != nil {
			return nil, err
		}
		columnsByTable[t.tableName] = cols
	}

	joinTables := detectJoinTables(columnsByTable, fks)

	entities := make(map[string]models.EntitySchema)
	entityByTable := make(map[string]string)
	for _, t := range tables {
		if joinTables[t.tableName] {
			continue
		}
		name := entityName(t.tableName)
		if len(include) > 0 && !include[name] {
			continue
		}
		entityByTable[t.tableName] = name

		entity := g.buildEntity(name, columnsByTable[t.tableName], opts)
		entity.Sensitive = sensitive[name]
		entities[name] = entity
	}

	g.attachRelations(entities, entityByTable, columnsByTable, fks, joinTables)

	m := &models.SchemaMap{
		Name:     opts.Name,
		Entities: entities,
	}
	g.logger.Info("schema map generated",
		zap.String("name", opts.Name),
		zap.Int("entities", len(entities)),
	)
	return m, nil
}

// GenerateAndPublish introspects, publishes the result as the next version,
// and activates it.
func (g *SchemaMapGenerator) GenerateAndPublish(ctx context.Context, opts GenerateOptions) (*models.SchemaMap, error) {
	m, err := g.Generate(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := g.schemaMaps.Publish(ctx, m); err != nil {
		return nil, err
	}
	g.sink.RecordEvent(ctx, telemetry.LevelInfo, telemetry.CategorySchemaMap,
		"schema map published", map[string]any{
			"name":     m.Name,
			"version":  m.Version,
			"entities": len(m.Entities),
		})
	return m, nil
}

func (g *SchemaMapGenerator) buildEntity(name string, cols []columnInfo, opts GenerateOptions) models.EntitySchema {
	excluded := toSet(opts.ExcludeFields[name])

	entity := models.EntitySchema{
		AllowedActions: defaultActions,
		FieldTypes:     make(map[string]models.FieldType),
		RedactedFields: opts.RedactedFields[name],
	}
	if override, ok := opts.ActionOverrides[name]; ok {
		entity.AllowedActions = override
	}

	for _, col := range cols {
		if excluded[col.name] {
			continue
		}
		entity.AllowedFields = append(entity.AllowedFields, col.name)
		entity.FieldTypes[col.name] = normalizeType(col.dataType)
		if !col.nullable && !col.hasDefault {
			entity.RequiredFields = append(entity.RequiredFields, col.name)
		}
	}
	sort.Strings(entity.AllowedFields)
	sort.Strings(entity.RequiredFields)
	return entity
}

// attachRelations derives relation schemas from foreign keys. A FK column
// with a unique index yields one-to-one on both sides; otherwise the source
// gets many-to-one and the target gets the reverse one-to-many. Join tables
// collapse into many-to-many relations between the two referenced entities.
func (g *SchemaMapGenerator) attachRelations(
	entities map[string]models.EntitySchema,
	entityByTable map[string]string,
	columnsByTable map[string][]columnInfo,
	fks []foreignKey,
	joinTables map[string]bool,
) {
	for _, fk := range fks {
		if joinTables[fk.sourceTable] {
			continue
		}
		sourceEntity, sourceOK := entityByTable[fk.sourceTable]
		targetEntity, targetOK := entityByTable[fk.targetTable]
		if !sourceOK || !targetOK {
			continue
		}

		unique := false
		for _, col := range columnsByTable[fk.sourceTable] {
			if col.name == fk.sourceColumn {
				unique = col.unique || col.primaryKey
				break
			}
		}

		forward := models.RelationSchema{
			Kind:         models.RelationManyToOne,
			TargetEntity: targetEntity,
			ForeignKey:   fk.sourceColumn,
		}
		reverse := models.RelationSchema{
			Kind:         models.RelationOneToMany,
			TargetEntity: sourceEntity,
			ForeignKey:   fk.sourceColumn,
		}
		if unique {
			forward.Kind = models.RelationOneToOne
			reverse.Kind = models.RelationOneToOne
		}

		addRelation(entities, sourceEntity, relationName(fk.sourceColumn, targetEntity), forward)
		reverseName := inflection.Plural(sourceEntity)
		if unique {
			reverseName = sourceEntity
		}
		addRelation(entities, targetEntity, reverseName, reverse)
	}

	// Join tables yield many-to-many relations between the two entities their
	// foreign keys reference.
	for table := range joinTables {
		var refs []foreignKey
		for _, fk := range fks {
			if fk.sourceTable == table {
				refs = append(refs, fk)
			}
		}
		if len(refs) != 2 {
			continue
		}
		left, leftOK := entityByTable[refs[0].targetTable]
		right, rightOK := entityByTable[refs[1].targetTable]
		if !leftOK || !rightOK {
			continue
		}
		addRelation(entities, left, inflection.Plural(right), models.RelationSchema{
			Kind:         models.RelationManyToMany,
			TargetEntity: right,
		})
		addRelation(entities, right, inflection.Plural(left), models.RelationSchema{
			Kind:         models.RelationManyToMany,
			TargetEntity: left,
		})
	}
}

func addRelation(entities map[string]models.EntitySchema, entity, name string, rel models.RelationSchema) {
	e, ok := entities[entity]
	if !ok {
		return
	}
	if e.Relations == nil {
		e.Relations = make(map[string]models.RelationSchema)
	}
	if _, exists := e.Relations[name]; exists {
		return
	}
	e.Relations[name] = rel
	entities[entity] = e
}

func (g *SchemaMapGenerator) discoverTables(ctx context.Context) ([]tableInfo, error) {
	rows, err := g.db.Query(ctx, `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		  AND table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY table_schema, table_name`)
	if err != nil {
		return nil, fmt.Errorf("%w: query tables: %s", apperrors.ErrSchemaIntrospection, err)
	}
	defer rows.Close()

	var tables []tableInfo
	for rows.Next() {
		var t tableInfo
		if err := rows.Scan(&t.schemaName, &t.tableName); err != nil {
			return nil, fmt.Errorf("%w: scan table: %s", apperrors.ErrSchemaIntrospection, err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate tables: %s", apperrors.ErrSchemaIntrospection, err)
	}
	return tables, nil
}

// discoverColumns uses pg_index for primary key and unique detection, which
// catches keys created as unique indexes rather than declared constraints.
func (g *SchemaMapGenerator) discoverColumns(ctx context.Context, schemaName, tableName string) ([]columnInfo, error) {
	rows, err := g.db.Query(ctx, `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES' AS is_nullable,
			COALESCE(pk.is_pk, false) AS is_primary_key,
			COALESCE(uq.is_unique, false) AS is_unique,
			c.column_default IS NOT NULL OR c.is_generated = 'ALWAYS' AS has_default
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT a.attname AS column_name, true AS is_pk
			FROM pg_index ix
			JOIN pg_class t ON t.oid = ix.indrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
			WHERE ix.indisprimary = true
			  AND n.nspname = $1
			  AND t.relname = $2
			  AND array_length(ix.indkey, 1) = 1
		) pk ON c.column_name = pk.column_name
		LEFT JOIN (
			SELECT a.attname AS column_name, true AS is_unique
			FROM pg_index ix
			JOIN pg_class t ON t.oid = ix.indrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
			WHERE ix.indisunique = true
			  AND ix.indisprimary = false
			  AND n.nspname = $1
			  AND t.relname = $2
			  AND array_length(ix.indkey, 1) = 1
		) uq ON c.column_name = uq.column_name
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`,
		schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("%w: query columns for %s: %s", apperrors.ErrSchemaIntrospection, tableName, err)
	}
	defer rows.Close()

	var columns []columnInfo
	for rows.Next() {
		var c columnInfo
		if err := rows.Scan(&c.name, &c.dataType, &c.nullable, &c.primaryKey, &c.unique, &c.hasDefault); err != nil {
			return nil, fmt.Errorf("%w: scan column: %s", apperrors.ErrSchemaIntrospection, err)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate columns: %s", apperrors.ErrSchemaIntrospection, err)
	}
	return columns, nil
}

func (g *SchemaMapGenerator) discoverForeignKeys(ctx context.Context) ([]foreignKey, error) {
	rows, err := g.db.Query(ctx, `
		SELECT
			kcu.table_name AS source_table,
			kcu.column_name AS source_column,
			ccu.table_name AS target_table,
			ccu.column_name AS target_column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name
			AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_toast')`)
	if err != nil {
		return nil, fmt.Errorf("%w: query foreign keys: %s", apperrors.ErrSchemaIntrospection, err)
	}
	defer rows.Close()

	var fks []foreignKey
	for rows.Next() {
		var fk foreignKey
		if err := rows.Scan(&fk.sourceTable, &fk.sourceColumn, &fk.targetTable, &fk.targetColumn); err != nil {
			return nil, fmt.Errorf("%w: scan foreign key: %s", apperrors.ErrSchemaIntrospection, err)
		}
		fks = append(fks, fk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate foreign keys: %s", apperrors.ErrSchemaIntrospection, err)
	}
	return fks, nil
}

// detectJoinTables finds pure join tables: exactly two foreign key columns
// and nothing else beyond a surrogate id and timestamps. These become
// many-to-many relations rather than entities.
func detectJoinTables(columnsByTable map[string][]columnInfo, fks []foreignKey) map[string]bool {
	fkColumns := make(map[string]map[string]bool)
	for _, fk := range fks {
		if fkColumns[fk.sourceTable] == nil {
			fkColumns[fk.sourceTable] = make(map[string]bool)
		}
		fkColumns[fk.sourceTable][fk.sourceColumn] = true
	}

	joinTables := make(map[string]bool)
	for table, cols := range columnsByTable {
		if len(fkColumns[table]) != 2 {
			continue
		}
		pure := true
		for _, col := range cols {
			if fkColumns[table][col.name] {
				continue
			}
			switch col.name {
			case "id", "created_at", "updated_at":
			default:
				pure = false
			}
		}
		if pure {
			joinTables[table] = true
		}
	}
	return joinTables
}

// entityName maps a table name to its entity name: the singular form of the
// table name.
func entityName(tableName string) string {
	return inflection.Singular(tableName)
}

// relationName derives a relation name from its FK column: user_id becomes
// user. When the column carries no _id suffix the target entity name is used.
func relationName(fkColumn, targetEntity string) string {
	if name, ok := strings.CutSuffix(fkColumn, "_id"); ok && name != "" {
		return name
	}
	return targetEntity
}

// normalizeType collapses a Postgres column type into the schema map's fixed
// type vocabulary.
func normalizeType(dataType string) models.FieldType {
	switch strings.ToLower(dataType) {
	case "text", "character varying", "character", "uuid", "name", "citext", "bpchar", "inet", "cidr":
		return models.FieldTypeString
	case "smallint", "integer", "bigint", "numeric", "decimal", "real", "double precision", "money":
		return models.FieldTypeNumber
	case "boolean":
		return models.FieldTypeBoolean
	case "date", "time without time zone", "time with time zone",
		"timestamp without time zone", "timestamp with time zone", "interval":
		return models.FieldTypeDate
	case "json", "jsonb", "array":
		return models.FieldTypeJSON
	case "user-defined":
		return models.FieldTypeEnum
	default:
		return models.FieldTypeString
	}
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
