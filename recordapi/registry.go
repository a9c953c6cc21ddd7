// Package recordapi is the Record API Registry and request pipeline:
// the configured mapping from an HTTP mount name to a backing table or
// view, the CRUD operations it exposes, the ACL rule guarding each
// one, and the query builders that turn a parsed filter.Query into
// bound SQL.
package recordapi

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/kilndb/recordapi/acl"
	"github.com/kilndb/recordapi/dbconn"
	"github.com/kilndb/recordapi/schema"
)

// nameRe bounds Record API names the same way the Filter Grammar
// Parser bounds column names: no characters that
// could matter to a URL router or a SQL identifier.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Operation is one of the CRUD verbs a Definition may expose.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpList   Operation = "list"
	// OpSchema gates schema introspection (e.g. the admin apis/config
	// endpoints) rather than any row operation; its rule may only
	// reference _USER_.
	OpSchema Operation = "schema"
)

// aclKind maps a Definition's own Operation enum to the acl package's
// OperationKind, which restricts which magic identifiers a rule may
// reference. Kept separate from recordapi.Operation so package acl
// never needs to import package recordapi.
func aclKind(op Operation) (acl.OperationKind, bool) {
	switch op {
	case OpCreate:
		return acl.OpKindCreate, true
	case OpRead, OpList:
		return acl.OpKindRead, true
	case OpUpdate:
		return acl.OpKindUpdate, true
	case OpDelete:
		return acl.OpKindDelete, true
	case OpSchema:
		return acl.OpKindSchema, true
	default:
		return 0, false
	}
}

// Definition is one configured Record API entry: an HTTP-facing name
// bound to a table or view, the operations it permits, and the
// per-operation ACL rule (package acl) that gates each one.
type Definition struct {
	Name   string `json:"name"`
	Source string `json:"source"` // qualified table/view name

	Operations []Operation          `json:"operations"`
	Rules      map[Operation]string `json:"rules"` // defaults to acl.AlwaysDeny if absent

	AllowedExpand []string `json:"allowed_expand"`
	MaxLimit      int      `json:"max_limit"`
	RequireAuth   bool     `json:"require_auth"`

	// ExcludedColumns names columns a create/update request may never
	// set directly, even if the table itself allows them - e.g. a
	// moderation flag only a server-side trigger should touch.
	ExcludedColumns map[string]bool `json:"excluded_columns,omitempty"`

	// ConflictResolution selects the INSERT's conflict clause for
	// create requests.
	ConflictResolution ConflictResolution `json:"conflict_resolution,omitempty"`

	// InsertAutofillMissingUserIDColumns fills every schema.UserIDColumns
	// entry the create request omitted with the caller's own user id,
	// instead of requiring the client to supply it.
	InsertAutofillMissingUserIDColumns bool `json:"insert_autofill_missing_user_id_columns,omitempty"`

	// EnableSubscriptions opts this API into the change-notification
	// stream: writes through this Definition publish a
	// row-change event subscribers can long-poll or stream.
	EnableSubscriptions bool `json:"enable_subscriptions,omitempty"`
}

// Allows reports whether def exposes op.
func (d *Definition) Allows(op Operation) bool {
	for _, o := range d.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// RuleFor returns the ACL rule text configured for op, defaulting to
// AlwaysDeny so a Definition that forgets to configure a rule fails
// closed rather than open.
func (d *Definition) RuleFor(op Operation) string {
	if rule, ok := d.Rules[op]; ok && rule != "" {
		return rule
	}
	return acl.AlwaysDeny
}

// Registry holds every configured Definition, persisted to the
// `_record_apis` table so it survives a restart, and validated against
// the Schema Metadata Cache so a Definition can never point at a
// nonexistent or non-record-eligible source.
type Registry struct {
	db     *dbconn.Manager
	schema *schema.Cache

	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry(db *dbconn.Manager, sc *schema.Cache) *Registry {
	return &Registry{db: db, schema: sc, defs: make(map[string]*Definition)}
}

// EnsureTable creates the `_record_apis` storage table if absent. Call
// once at startup before Load.
func (r *Registry) EnsureTable(ctx context.Context) error {
	_, err := r.db.Execute(ctx, `
		CREATE TABLE IF NOT EXISTS _record_apis (
			name TEXT PRIMARY KEY,
			definition TEXT NOT NULL
		)`)
	return err
}

// Load reads every persisted Definition into memory, replacing
// whatever was cached before.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.db.ReadQueryRows(ctx, `SELECT definition FROM _record_apis`)
	if err != nil {
		return fmt.Errorf("recordapi: load registry: %w", err)
	}

	defs := make(map[string]*Definition, len(rows))
	for _, row := range rows {
		raw, ok := row.Get("definition")
		if !ok {
			continue
		}
		text, ok := raw.(string)
		if !ok {
			continue
		}
		var d Definition
		if err := json.Unmarshal([]byte(text), &d); err != nil {
			return fmt.Errorf("recordapi: decode definition: %w", err)
		}
		defs[d.Name] = &d
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
	return nil
}

// Get looks up a configured Definition by its HTTP-facing name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// List returns every configured Definition, order unspecified.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}

// Validate checks def against the Schema Metadata Cache without
// persisting or publishing it. Callers that accept
// a batch of definitions from an external source - the admin
// config-reload endpoint - call Validate on every entry before
// committing any of them with Put, so a single bad Definition can
// never half-apply a config update.
func (r *Registry) Validate(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("recordapi: definition name is required")
	}
	if !nameRe.MatchString(def.Name) {
		return fmt.Errorf("recordapi: api name %q must match [A-Za-z0-9_]+", def.Name)
	}
	if def.MaxLimit <= 0 {
		def.MaxLimit = 500
	}

	for op, rule := range def.Rules {
		if rule == acl.AlwaysAllow || rule == acl.AlwaysDeny || rule == "" {
			continue
		}
		kind, ok := aclKind(op)
		if !ok {
			return fmt.Errorf("recordapi: definition carries a rule for unknown operation %q", op)
		}
		if _, err := acl.ValidateForOperation(kind, rule); err != nil {
			return fmt.Errorf("recordapi: %s rule: %w", op, err)
		}
	}

	tm, isTable := r.schema.Table(def.Source)
	if !isTable {
		if v, ok := r.schema.View(def.Source); !ok || !v.Simple {
			return fmt.Errorf("recordapi: source %q is not a known table or simple view", def.Source)
		}
		if len(def.AllowedExpand) > 0 {
			return fmt.Errorf("recordapi: expansion is not supported from a view source")
		}
		return nil
	}
	if tm.Table.Temporary {
		return fmt.Errorf("recordapi: source %q is a temporary table", def.Source)
	}
	if tm.PKColumn() == nil {
		return fmt.Errorf("recordapi: source %q has no record-eligible primary key", def.Source)
	}

	for _, col := range def.AllowedExpand {
		if strings.HasPrefix(col, "_") {
			return fmt.Errorf("recordapi: expand column %q cannot start with '_'", col)
		}
		idx := tm.Table.ColumnIndex(col)
		if idx < 0 {
			return fmt.Errorf("recordapi: expand column %q does not exist on %q", col, def.Source)
		}
		fk := tm.Table.Columns[idx].Options.ForeignKey
		if fk == nil || len(fk.ReferredColumns) != 1 {
			return fmt.Errorf("recordapi: expand column %q is not a single-column foreign key", col)
		}
		if strings.HasPrefix(fk.Table, "_") {
			return fmt.Errorf("recordapi: expand column %q targets hidden table %q", col, fk.Table)
		}
		foreign, ok := r.schema.Table(fk.Table)
		if !ok {
			return fmt.Errorf("recordapi: expand column %q targets unknown table %q", col, fk.Table)
		}
		if foreignPK := foreign.PKColumn(); foreignPK == nil || foreignPK.Name != fk.ReferredColumns[0] {
			return fmt.Errorf("recordapi: expand column %q must reference %q's primary key", col, fk.Table)
		}
	}

	if len(def.ExcludedColumns) > 0 {
		pkCol := tm.PKColumn()
		for col := range def.ExcludedColumns {
			idx := tm.Table.ColumnIndex(col)
			if idx < 0 {
				return fmt.Errorf("recordapi: excluded column %q does not exist on %q", col, def.Source)
			}
			if pkCol != nil && col == pkCol.Name {
				return fmt.Errorf("recordapi: excluded column %q cannot be the primary key", col)
			}
			c := tm.Table.Columns[idx]
			if c.Options.NotNull && !c.Options.HasDefault {
				return fmt.Errorf("recordapi: excluded column %q has no default and cannot be hidden from create requests", col)
			}
		}
	}
	return nil
}

// Put validates and persists def, then makes it visible to Get/List.
// The source table/view must already exist in the schema cache and
// must have a record-eligible primary key for non-view sources.
func (r *Registry) Put(ctx context.Context, def *Definition) error {
	if err := r.Validate(def); err != nil {
		return err
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return err
	}

	_, err = r.db.Execute(ctx, `
		INSERT INTO _record_apis (name, definition) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET definition = excluded.definition`,
		def.Name, string(raw))
	if err != nil {
		return fmt.Errorf("recordapi: persist definition: %w", err)
	}

	r.mu.Lock()
	r.defs[def.Name] = def
	r.mu.Unlock()
	return nil
}

// Delete removes a configured Definition, both persisted and cached.
func (r *Registry) Delete(ctx context.Context, name string) error {
	_, err := r.db.Execute(ctx, `DELETE FROM _record_apis WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("recordapi: delete definition: %w", err)
	}

	r.mu.Lock()
	delete(r.defs, name)
	r.mu.Unlock()
	return nil
}
