package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/query-sandbox/pkg/models"
)

func TestNormalizeType(t *testing.T) {
	tests := []struct {
		dataType string
		want     models.FieldType
	}{
		{"character varying", models.FieldTypeString},
		{"uuid", models.FieldTypeString},
		{"text", models.FieldTypeString},
		{"integer", models.FieldTypeNumber},
		{"numeric", models.FieldTypeNumber},
		{"double precision", models.FieldTypeNumber},
		{"boolean", models.FieldTypeBoolean},
		{"timestamp with time zone", models.FieldTypeDate},
		{"date", models.FieldTypeDate},
		{"jsonb", models.FieldTypeJSON},
		{"ARRAY", models.FieldTypeJSON},
		{"USER-DEFINED", models.FieldTypeEnum},
		{"tsvector", models.FieldTypeString},
	}
	for _, tt := range tests {
		t.Run(tt.dataType, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeType(tt.dataType))
		})
	}
}

func TestEntityName(t *testing.T) {
	assert.Equal(t, "order", entityName("orders"))
	assert.Equal(t, "customer", entityName("customers"))
	assert.Equal(t, "address", entityName("addresses"))
	assert.Equal(t, "person", entityName("people"))
}

func TestRelationName(t *testing.T) {
	assert.Equal(t, "customer", relationName("customer_id", "customer"))
	assert.Equal(t, "approved_by", relationName("approved_by_id", "user"))
	assert.Equal(t, "user", relationName("owner", "user"))
	assert.Equal(t, "user", relationName("_id", "user"))
}

func TestDetectJoinTables(t *testing.T) {
	fks := []foreignKey{
		{sourceTable: "order_tags", sourceColumn: "order_id", targetTable: "orders", targetColumn: "id"},
		{sourceTable: "order_tags", sourceColumn: "tag_id", targetTable: "tags", targetColumn: "id"},
		{sourceTable: "orders", sourceColumn: "customer_id", targetTable: "customers", targetColumn: "id"},
	}

	t.Run("pure two-FK table is a join table", func(t *testing.T) {
		columns := map[string][]columnInfo{
			"order_tags": {
				{name: "order_id"},
				{name: "tag_id"},
				{name: "created_at"},
			},
			"orders": {
				{name: "id", primaryKey: true},
				{name: "customer_id"},
				{name: "total"},
			},
		}
		join := detectJoinTables(columns, fks)
		assert.True(t, join["order_tags"])
		assert.False(t, join["orders"])
	})

	t.Run("extra payload columns disqualify", func(t *testing.T) {
		columns := map[string][]columnInfo{
			"order_tags": {
				{name: "order_id"},
				{name: "tag_id"},
				{name: "note"},
			},
		}
		join := detectJoinTables(columns, fks)
		assert.False(t, join["order_tags"])
	})
}

func TestBuildEntity(t *testing.T) {
	g := &SchemaMapGenerator{}
	cols := []columnInfo{
		{name: "id", dataType: "uuid", nullable: false, primaryKey: true, hasDefault: true},
		{name: "customer_id", dataType: "uuid", nullable: false},
		{name: "total", dataType: "numeric", nullable: false},
		{name: "status", dataType: "USER-DEFINED", nullable: false, hasDefault: true},
		{name: "notes", dataType: "text", nullable: true},
		{name: "internal_margin", dataType: "numeric", nullable: true},
	}

	t.Run("defaults to read-only actions", func(t *testing.T) {
		entity := g.buildEntity("order", cols, GenerateOptions{})
		assert.Equal(t, defaultActions, entity.AllowedActions)
	})

	t.Run("action overrides replace the default set", func(t *testing.T) {
		entity := g.buildEntity("order", cols, GenerateOptions{
			ActionOverrides: map[string][]models.Action{
				"order": {models.ActionFindMany, models.ActionCreate},
			},
		})
		assert.Equal(t, []models.Action{models.ActionFindMany, models.ActionCreate}, entity.AllowedActions)
	})

	t.Run("fields, types and required set", func(t *testing.T) {
		entity := g.buildEntity("order", cols, GenerateOptions{})
		assert.Equal(t, []string{"customer_id", "id", "internal_margin", "notes", "status", "total"}, entity.AllowedFields)
		// Not-null columns without defaults must be supplied on create.
		assert.Equal(t, []string{"customer_id", "total"}, entity.RequiredFields)
		assert.Equal(t, models.FieldTypeEnum, entity.FieldTypes["status"])
		assert.Equal(t, models.FieldTypeNumber, entity.FieldTypes["total"])
	})

	t.Run("excluded fields disappear entirely", func(t *testing.T) {
		entity := g.buildEntity("order", cols, GenerateOptions{
			ExcludeFields: map[string][]string{"order": {"internal_margin"}},
		})
		assert.NotContains(t, entity.AllowedFields, "internal_margin")
		assert.NotContains(t, entity.FieldTypes, "internal_margin")
	})

	t.Run("redacted fields carry through", func(t *testing.T) {
		entity := g.buildEntity("order", cols, GenerateOptions{
			RedactedFields: map[string][]string{"order": {"notes"}},
		})
		assert.Equal(t, []string{"notes"}, entity.RedactedFields)
	})
}

func TestAttachRelations(t *testing.T) {
	g := &SchemaMapGenerator{}

	newEntities := func() (map[string]models.EntitySchema, map[string]string) {
		entities := map[string]models.EntitySchema{
			"order":    {AllowedActions: defaultActions},
			"customer": {AllowedActions: defaultActions},
			"profile":  {AllowedActions: defaultActions},
			"tag":      {AllowedActions: defaultActions},
		}
		entityByTable := map[string]string{
			"orders":    "order",
			"customers": "customer",
			"profiles":  "profile",
			"tags":      "tag",
		}
		return entities, entityByTable
	}

	t.Run("plain FK yields many-to-one and the reverse one-to-many", func(t *testing.T) {
		entities, entityByTable := newEntities()
		columns := map[string][]columnInfo{
			"orders": {{name: "customer_id", dataType: "uuid"}},
		}
		fks := []foreignKey{
			{sourceTable: "orders", sourceColumn: "customer_id", targetTable: "customers", targetColumn: "id"},
		}

		g.attachRelations(entities, entityByTable, columns, fks, nil)

		forward, ok := entities["order"].Relations["customer"]
		require.True(t, ok)
		assert.Equal(t, models.RelationManyToOne, forward.Kind)
		assert.Equal(t, "customer", forward.TargetEntity)
		assert.Equal(t, "customer_id", forward.ForeignKey)

		reverse, ok := entities["customer"].Relations["orders"]
		require.True(t, ok)
		assert.Equal(t, models.RelationOneToMany, reverse.Kind)
		assert.Equal(t, "order", reverse.TargetEntity)
	})

	t.Run("unique FK yields one-to-one on both sides", func(t *testing.T) {
		entities, entityByTable := newEntities()
		columns := map[string][]columnInfo{
			"profiles": {{name: "customer_id", dataType: "uuid", unique: true}},
		}
		fks := []foreignKey{
			{sourceTable: "profiles", sourceColumn: "customer_id", targetTable: "customers", targetColumn: "id"},
		}

		g.attachRelations(entities, entityByTable, columns, fks, nil)

		forward, ok := entities["profile"].Relations["customer"]
		require.True(t, ok)
		assert.Equal(t, models.RelationOneToOne, forward.Kind)

		reverse, ok := entities["customer"].Relations["profile"]
		require.True(t, ok)
		assert.Equal(t, models.RelationOneToOne, reverse.Kind)
	})

	t.Run("join tables become many-to-many on both entities", func(t *testing.T) {
		entities, entityByTable := newEntities()
		columns := map[string][]columnInfo{
			"order_tags": {{name: "order_id"}, {name: "tag_id"}},
		}
		fks := []foreignKey{
			{sourceTable: "order_tags", sourceColumn: "order_id", targetTable: "orders", targetColumn: "id"},
			{sourceTable: "order_tags", sourceColumn: "tag_id", targetTable: "tags", targetColumn: "id"},
		}
		joinTables := map[string]bool{"order_tags": true}

		g.attachRelations(entities, entityByTable, columns, fks, joinTables)

		tags, ok := entities["order"].Relations["tags"]
		require.True(t, ok)
		assert.Equal(t, models.RelationManyToMany, tags.Kind)
		assert.Equal(t, "tag", tags.TargetEntity)

		orders, ok := entities["tag"].Relations["orders"]
		require.True(t, ok)
		assert.Equal(t, models.RelationManyToMany, orders.Kind)
		assert.Equal(t, "order", orders.TargetEntity)
	})

	t.Run("FKs into excluded entities are skipped", func(t *testing.T) {
		entities, entityByTable := newEntities()
		delete(entities, "customer")
		delete(entityByTable, "customers")
		columns := map[string][]columnInfo{
			"orders": {{name: "customer_id", dataType: "uuid"}},
		}
		fks := []foreignKey{
			{sourceTable: "orders", sourceColumn: "customer_id", targetTable: "customers", targetColumn: "id"},
		}

		g.attachRelations(entities, entityByTable, columns, fks, nil)
		assert.Empty(t, entities["order"].Relations)
	})
}
