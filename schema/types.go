// Package schema is the Schema Metadata Cache: an
// always-consistent, invalidate-on-DDL snapshot of every table and
// view in an attached database (unique indexes are folded into their
// table's unique-column sets; triggers are not read), with the derived
// metadata (primary key, foreign keys, JSON-typed columns, file
// columns, user-id columns) the rest of the platform needs.
package schema

import "github.com/kilndb/recordapi/sqlvalue"

// ForeignKey is a single column's FOREIGN KEY option.
type ForeignKey struct {
	Table           string
	ReferredColumns []string
	OnDelete        string
	OnUpdate        string
}

// ColumnOption tags one of PRIMARY KEY / UNIQUE / NOT NULL /
// DEFAULT(expr) / CHECK(expr) / FOREIGN KEY{...}.
type ColumnOption struct {
	PrimaryKey bool
	Unique     bool
	NotNull    bool
	Default    string // expression text, empty if absent
	HasDefault bool
	Check      string
	HasCheck   bool
	ForeignKey *ForeignKey
}

// Column is one declared SQLite column.
type Column struct {
	Name     string
	DeclType string // as written in CREATE TABLE, e.g. "TEXT", "INTEGER"
	Affinity sqlvalue.ColumnType
	Options  ColumnOption
}

// Table is a qualified base table.
type Table struct {
	Schema  string // database-schema, e.g. "main"
	Name    string
	Columns []Column
	// TableForeignKeys holds table-level (not column-level) foreign
	// key constraints, e.g. composite FKs.
	TableForeignKeys []ForeignKey
	Unique           [][]string
	Checks           []string
	Strict           bool
	Virtual          bool
	Temporary        bool
}

func (t *Table) QualifiedName() string {
	if t.Schema == "" || t.Schema == "main" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// View is a qualified view. Simple is true when every result column
// could be mapped back to a single base-table column by the view
// inspector.
type View struct {
	Schema string
	Name   string
	Simple bool
	// SourceColumns[i] names the base table.column that result column
	// i maps to, only populated when Simple is true.
	SourceColumns []string
	Columns       []Column
}

func (v *View) QualifiedName() string {
	if v.Schema == "" || v.Schema == "main" {
		return v.Name
	}
	return v.Schema + "." + v.Name
}

// JSONSchemaKind names the shape a JSON-typed TEXT column holds.
type JSONSchemaKind int

const (
	JSONNone JSONSchemaKind = iota
	JSONUserSchema                // a name registered in the user schema registry
	JSONFileUpload                // std.FileUpload
	JSONFileUploads               // std.FileUploads
)

type JSONMeta struct {
	Kind       JSONSchemaKind
	SchemaName string // set when Kind == JSONUserSchema
}

func (m JSONMeta) IsFileColumn() bool {
	return m.Kind == JSONFileUpload || m.Kind == JSONFileUploads
}

// TableMetadata is the schema plus the derived fields the rest of the
// platform keys off. Invariant: len(Columns) == len(JSONMetadata).
type TableMetadata struct {
	Table             *Table
	JSONMetadata      []JSONMeta
	UserIDColumns     []int
	FileColumnIndices []int
	PKIndex           int // -1 if no record-eligible PK
}

func (tm *TableMetadata) PKColumn() *Column {
	if tm.PKIndex < 0 || tm.PKIndex >= len(tm.Table.Columns) {
		return nil
	}
	return &tm.Table.Columns[tm.PKIndex]
}
