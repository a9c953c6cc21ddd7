package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"ariga.io/atlas/sql/schema"
	"ariga.io/atlas/sql/sqlclient"
	_ "ariga.io/atlas/sql/sqlite" // registers the "sqlite://" sqlclient scheme
	"github.com/dgraph-io/ristretto"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kilndb/recordapi/sqlvalue"
)

// affinityMemo memoizes columnAffinity, a pure function of the
// declared type string, across every table convertTable processes -
// a large schema re-derives the same handful of declared types
// (TEXT, INTEGER, BLOB, ...) thousands of times per Refresh. A cache
// miss just recomputes, so ristretto's approximate eviction carries
// no staleness risk here.
var affinityMemo, _ = ristretto.NewCache(&ristretto.Config{
	NumCounters: 1e4,
	MaxCost:     1 << 16,
	BufferItems: 64,
})

// Registry is the set of user-defined JSON schema names a TEXT column
// may declare, in addition to the built-in std.FileUpload /
// std.FileUploads shapes.
type Registry struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

func NewRegistry(names ...string) *Registry {
	r := &Registry{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		r.names[n] = struct{}{}
	}
	return r
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[name]
	return ok
}

func (r *Registry) Register(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[name] = struct{}{}
}

// Cache holds the always-consistent snapshot for one attached database
// file. Reads take the RWMutex's read lock; a full rebuild (triggered
// by DDL) takes the write lock and swaps every map at once.
type Cache struct {
	path     string
	registry *Registry
	logger   *slog.Logger

	mu       sync.RWMutex
	tables   map[string]*TableMetadata
	views    map[string]*View
	viewMeta map[string]*TableMetadata
}

func NewCache(path string, registry *Registry, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		path:     path,
		registry: registry,
		logger:   logger,
		tables:   make(map[string]*TableMetadata),
		views:    make(map[string]*View),
		viewMeta: make(map[string]*TableMetadata),
	}
}

// Table looks up a cached table by qualified name.
func (c *Cache) Table(name string) (*TableMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tm, ok := c.tables[name]
	return tm, ok
}

// View looks up a cached view by qualified name.
func (c *Cache) View(name string) (*View, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.views[name]
	return v, ok
}

// ViewTable returns a simple view's columns dressed up as
// TableMetadata, so the read/list query builders can serve a
// view-backed Record API the same way they serve a table-backed one.
// Only simple views (every result column mapped back to a base
// column) have an entry here.
func (c *Cache) ViewTable(name string) (*TableMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tm, ok := c.viewMeta[name]
	return tm, ok
}

// Refresh re-parses sqlite_schema from scratch and atomically replaces
// the cache's contents. Call on startup and after every DDL statement.
func (c *Cache) Refresh(ctx context.Context) error {
	client, err := sqlclient.Open(ctx, "sqlite://"+c.path)
	if err != nil {
		return fmt.Errorf("schema: open inspector: %w", err)
	}
	defer client.Close()

	sch, err := client.InspectSchema(ctx, "main", &schema.InspectOptions{})
	if err != nil {
		return fmt.Errorf("schema: inspect: %w", err)
	}

	tables := make(map[string]*TableMetadata, len(sch.Tables))
	for _, st := range sch.Tables {
		t, err := convertTable(st)
		if err != nil {
			c.logger.Warn("schema: skipping table", "table", st.Name, "err", err)
			continue
		}
		tm := deriveMetadata(t, c.registry)
		tables[tm.Table.QualifiedName()] = tm
	}

	views, err := c.inspectViews(ctx, tables)
	if err != nil {
		return fmt.Errorf("schema: inspect views: %w", err)
	}

	viewMeta := make(map[string]*TableMetadata)
	for name, v := range views {
		if !v.Simple {
			continue
		}
		vt := &Table{Schema: v.Schema, Name: v.Name, Columns: v.Columns}
		viewMeta[name] = deriveMetadata(vt, c.registry)
	}

	c.mu.Lock()
	c.tables = tables
	c.views = views
	c.viewMeta = viewMeta
	c.mu.Unlock()

	c.logger.Info("schema cache refreshed", "tables", len(tables), "views", len(views))
	return nil
}

func convertTable(st *schema.Table) (*Table, error) {
	t := &Table{Schema: "main", Name: st.Name}

	// atlas surfaces CHECK constraints written inline on a column as
	// table-level attributes; both levels are collected so the
	// jsonschema classification below sees them either way.
	for _, a := range st.Attrs {
		if chk, ok := a.(*schema.Check); ok {
			t.Checks = append(t.Checks, chk.Expr)
		}
	}

	pkCols := map[string]bool{}
	if st.PrimaryKey != nil {
		for _, p := range st.PrimaryKey.Parts {
			if p.C != nil {
				pkCols[p.C.Name] = true
			}
		}
	}

	uniqueSets := map[string][]string{}
	for _, idx := range st.Indexes {
		if !idx.Unique {
			continue
		}
		var cols []string
		for _, p := range idx.Parts {
			if p.C != nil {
				cols = append(cols, p.C.Name)
			}
		}
		if len(cols) > 0 {
			uniqueSets[idx.Name] = cols
		}
	}
	for _, cols := range uniqueSets {
		if len(cols) > 1 {
			t.Unique = append(t.Unique, cols)
		}
	}

	fkByCol := map[string]*ForeignKey{}
	for _, fk := range st.ForeignKeys {
		if len(fk.Columns) != 1 || fk.RefTable == nil {
			continue
		}
		var refCols []string
		for _, rc := range fk.RefColumns {
			refCols = append(refCols, rc.Name)
		}
		fkByCol[fk.Columns[0].Name] = &ForeignKey{
			Table:           fk.RefTable.Name,
			ReferredColumns: refCols,
			OnDelete:        string(fk.OnDelete),
			OnUpdate:        string(fk.OnUpdate),
		}
	}

	for _, sc := range st.Columns {
		col := Column{
			Name:     sc.Name,
			DeclType: rawType(sc),
			Affinity: columnAffinity(rawType(sc)),
		}
		col.Options.PrimaryKey = pkCols[sc.Name]
		col.Options.NotNull = !sc.Type.Null
		if len(uniqueSets) > 0 {
			for _, cols := range uniqueSets {
				if len(cols) == 1 && cols[0] == sc.Name {
					col.Options.Unique = true
				}
			}
		}
		if sc.Default != nil {
			col.Options.HasDefault = true
			col.Options.Default = exprText(sc.Default)
		}
		if chk := checkText(sc); chk != "" {
			col.Options.HasCheck = true
			col.Options.Check = chk
		}
		if fk, ok := fkByCol[sc.Name]; ok {
			col.Options.ForeignKey = fk
		}
		t.Columns = append(t.Columns, col)
	}

	return t, nil
}

// rawType/exprText/checkText isolate the handful of places this code
// depends on atlas's attribute model, which varies a little across
// atlas releases - keeping them here means a version bump only touches
// one spot.
func rawType(c *schema.Column) string {
	if c.Type == nil {
		return ""
	}
	return strings.ToUpper(c.Type.Raw)
}

func exprText(e schema.Expr) string {
	if lit, ok := e.(*schema.Literal); ok {
		return lit.V
	}
	if raw, ok := e.(*schema.RawExpr); ok {
		return raw.X
	}
	return ""
}

func checkText(c *schema.Column) string {
	for _, a := range c.Attrs {
		if chk, ok := a.(*schema.Check); ok {
			return chk.Expr
		}
	}
	return ""
}

// columnAffinity applies SQLite's type-affinity rules
// (https://www.sqlite.org/datatype3.html §3.1) to a declared type.
func columnAffinity(declType string) sqlvalue.ColumnType {
	if v, ok := affinityMemo.Get(declType); ok {
		return v.(sqlvalue.ColumnType)
	}

	t := strings.ToUpper(declType)
	var ct sqlvalue.ColumnType
	switch {
	case strings.Contains(t, "INT"):
		ct = sqlvalue.ColumnInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		ct = sqlvalue.ColumnText
	case strings.Contains(t, "BLOB"), t == "":
		ct = sqlvalue.ColumnBlob
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		ct = sqlvalue.ColumnReal
	default:
		ct = sqlvalue.ColumnText // NUMERIC affinity catch-all; treated as text-compatible for JSON coercion
	}

	affinityMemo.Set(declType, ct, 1)
	return ct
}

var jsonSchemaCheckRe = regexp.MustCompile(`(?i)jsonschema\(\s*'([^']+)'\s*(?:,\s*"?([A-Za-z0-9_]+)"?)?`)

// classifyJSONSchema maps a jsonschema('name', ...) CHECK to the
// column metadata it implies.
func classifyJSONSchema(name string, registry *Registry) (JSONMeta, bool) {
	switch name {
	case "std.FileUpload":
		return JSONMeta{Kind: JSONFileUpload}, true
	case "std.FileUploads":
		return JSONMeta{Kind: JSONFileUploads}, true
	default:
		if registry != nil && registry.Has(name) {
			return JSONMeta{Kind: JSONUserSchema, SchemaName: name}, true
		}
		return JSONMeta{}, false
	}
}

func deriveMetadata(t *Table, registry *Registry) *TableMetadata {
	tm := &TableMetadata{Table: t, PKIndex: -1}
	tm.JSONMetadata = make([]JSONMeta, len(t.Columns))

	// A CHECK written inline on a column often surfaces at table level
	// after DDL parsing; collect jsonschema() calls from both levels,
	// keyed by the column the second argument names.
	checkSchemas := map[string]string{}
	for _, chk := range t.Checks {
		if m := jsonSchemaCheckRe.FindStringSubmatch(chk); m != nil && m[2] != "" {
			checkSchemas[m[2]] = m[1]
		}
	}

	for i, col := range t.Columns {
		if col.Options.PrimaryKey && tm.PKIndex == -1 {
			switch col.Affinity {
			case sqlvalue.ColumnInteger, sqlvalue.ColumnBlob:
				tm.PKIndex = i
			}
		}

		if col.Options.HasCheck {
			if m := jsonSchemaCheckRe.FindStringSubmatch(col.Options.Check); m != nil {
				if meta, ok := classifyJSONSchema(m[1], registry); ok {
					tm.JSONMetadata[i] = meta
				}
			}
		}
		if tm.JSONMetadata[i].Kind == JSONNone {
			if name, ok := checkSchemas[col.Name]; ok {
				if meta, ok := classifyJSONSchema(name, registry); ok {
					tm.JSONMetadata[i] = meta
				}
			}
		}
		if tm.JSONMetadata[i].IsFileColumn() {
			tm.FileColumnIndices = append(tm.FileColumnIndices, i)
		}

		// Function-free file-column marker: a declared type containing
		// FILEUPLOAD(S). The jsonschema() CHECK form above needs the
		// native extension loaded - a Go-registered function cannot be
		// marked INNOCUOUS, so under trusted_schema=OFF a CHECK calling
		// it fails on every write. Declared types carry the same
		// classification without putting a function in the schema, and
		// fall into TEXT-compatible affinity for the JSON payload.
		if tm.JSONMetadata[i].Kind == JSONNone {
			switch {
			case strings.Contains(col.DeclType, "FILEUPLOADS"):
				tm.JSONMetadata[i] = JSONMeta{Kind: JSONFileUploads}
				tm.FileColumnIndices = append(tm.FileColumnIndices, i)
			case strings.Contains(col.DeclType, "FILEUPLOAD"):
				tm.JSONMetadata[i] = JSONMeta{Kind: JSONFileUpload}
				tm.FileColumnIndices = append(tm.FileColumnIndices, i)
			}
		}

		if col.Affinity == sqlvalue.ColumnBlob && col.Options.ForeignKey != nil && col.Options.ForeignKey.Table == "_user" {
			tm.UserIDColumns = append(tm.UserIDColumns, i)
		}
	}

	return tm
}

// inspectViews reads sqlite_schema directly for CREATE VIEW text: atlas's
// sqlite driver does not introspect views into schema.Schema, so this
// is a small bespoke reader for the narrow "simple view" shape rather
// than a full SQL expression evaluator.
func (c *Cache) inspectViews(ctx context.Context, tables map[string]*TableMetadata) (map[string]*View, error) {
	db, err := sql.Open("sqlite3", c.path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT name, sql FROM sqlite_schema WHERE type = 'view'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*View)
	for rows.Next() {
		var name, sqlText string
		if err := rows.Scan(&name, &sqlText); err != nil {
			return nil, err
		}
		v := parseSimpleView(name, sqlText, tables)
		out[v.QualifiedName()] = v
	}
	return out, rows.Err()
}

var simpleViewRe = regexp.MustCompile(`(?is)create\s+view\s+(?:if\s+not\s+exists\s+)?["'\x60]?([A-Za-z0-9_]+)["'\x60]?\s+as\s+select\s+(.+?)\s+from\s+["'\x60]?([A-Za-z0-9_]+)["'\x60]?\s*;?\s*$`)

// parseSimpleView recognizes the narrow "SELECT col1, col2, ... FROM
// base_table" shape call "simple": a straight list of
// unqualified or self-qualified column references with no joins,
// aggregates, or expressions. Anything richer is still a valid view,
// just not Record-API eligible.
func parseSimpleView(name, sqlText string, tables map[string]*TableMetadata) *View {
	v := &View{Schema: "main", Name: name}

	m := simpleViewRe.FindStringSubmatch(strings.TrimSpace(sqlText))
	if m == nil {
		return v
	}
	viewName, colList, baseTable := m[1], m[2], m[3]
	_ = viewName

	base, ok := tables[baseTable]
	if !ok {
		return v
	}

	var sourceCols []string
	var cols []Column
	for _, raw := range strings.Split(colList, ",") {
		expr := strings.TrimSpace(raw)
		if expr == "*" {
			return v // SELECT * is not column-mappable without expanding at view-creation time
		}
		// allow "table.col" or "col", reject aliases/expressions
		parts := strings.SplitN(expr, ".", 2)
		colName := parts[len(parts)-1]
		if !isPlainIdent(colName) {
			return v
		}
		idx := base.Table.ColumnIndex(colName)
		if idx < 0 {
			return v
		}
		sourceCols = append(sourceCols, baseTable+"."+colName)
		cols = append(cols, base.Table.Columns[idx])
	}

	v.Simple = true
	v.SourceColumns = sourceCols
	v.Columns = cols
	return v
}

func isPlainIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
