package db

import (
	"context"

	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

const (
	nodesTableName        = "nodes"
	propertiesTableName   = "node_properties"
	capabilitiesTableName = "node_capabilities"
)

var (
	// NodesColumns holds the columns of the entity table.
	NodesColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString, Size: 64},
		{Name: "kind", Type: field.TypeString},
		{Name: "name", Type: field.TypeString},
		{Name: "parent_id", Type: field.TypeString, Size: 64, Nullable: true},
		{Name: "association", Type: field.TypeString, Default: ""},
		// position of the entity among the children of its parent
		{Name: "position", Type: field.TypeInt64, Default: 0},
		// last position handed out to a child of this entity
		{Name: "child_seq", Type: field.TypeInt64, Default: 0},
		{Name: "version", Type: field.TypeInt64, Default: 1},
		{Name: "modified_by", Type: field.TypeString, Default: ""},
		{Name: "created_at", Type: field.TypeTime},
	}
	// NodesTable holds every entity, parents and children alike.
	NodesTable = &schema.Table{
		Name:       nodesTableName,
		Columns:    NodesColumns,
		PrimaryKey: []*schema.Column{NodesColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "nodes_nodes_children",
				Columns:    []*schema.Column{NodesColumns[3]},
				RefColumns: []*schema.Column{NodesColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
		Indexes: []*schema.Index{
			{
				Name:    "node_parent_id_association_name",
				Unique:  true,
				Columns: []*schema.Column{NodesColumns[3], NodesColumns[4], NodesColumns[2]},
			},
		},
	}
	// PropertiesColumns holds the columns of the property table. Exactly one value column is set.
	PropertiesColumns = []*schema.Column{
		{Name: "node_id", Type: field.TypeString, Size: 64},
		{Name: "name", Type: field.TypeString},
		{Name: "int_value", Type: field.TypeInt64, Nullable: true},
		{Name: "float_value", Type: field.TypeFloat64, Nullable: true},
		{Name: "text_value", Type: field.TypeString, Size: 2147483647, Nullable: true},
		{Name: "bool_value", Type: field.TypeBool, Nullable: true},
	}
	// PropertiesTable holds typed entity properties.
	PropertiesTable = &schema.Table{
		Name:       propertiesTableName,
		Columns:    PropertiesColumns,
		PrimaryKey: []*schema.Column{PropertiesColumns[0], PropertiesColumns[1]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "node_properties_nodes_properties",
				Columns:    []*schema.Column{PropertiesColumns[0]},
				RefColumns: []*schema.Column{NodesColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
	}
	// CapabilitiesColumns holds the columns of the capability marker table.
	CapabilitiesColumns = []*schema.Column{
		{Name: "node_id", Type: field.TypeString, Size: 64},
		{Name: "marker", Type: field.TypeString},
	}
	// CapabilitiesTable holds capability markers attached to entities.
	CapabilitiesTable = &schema.Table{
		Name:       capabilitiesTableName,
		Columns:    CapabilitiesColumns,
		PrimaryKey: []*schema.Column{CapabilitiesColumns[0], CapabilitiesColumns[1]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "node_capabilities_nodes_capabilities",
				Columns:    []*schema.Column{CapabilitiesColumns[0]},
				RefColumns: []*schema.Column{NodesColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
	}
	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		NodesTable,
		PropertiesTable,
		CapabilitiesTable,
	}
)

func init() {
	NodesTable.ForeignKeys[0].RefTable = NodesTable
	PropertiesTable.ForeignKeys[0].RefTable = NodesTable
	CapabilitiesTable.ForeignKeys[0].RefTable = NodesTable
}

// RunSchemaMigration connects to the DB and brings its schema up to date.
func RunSchemaMigration(ctx context.Context, dsn string) (*entsql.Driver, error) {
	drv, err := Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	zlog.Info().Msgf("Running schema migration")
	m, err := schema.NewMigrate(drv)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to prepare schema migration")
		return nil, closeOnError(drv, err)
	}
	if err = m.Create(ctx, Tables...); err != nil {
		zlog.Error().Err(err).Msg("Failed creating schema resources")
		return nil, closeOnError(drv, err)
	}
	return drv, nil
}
