// Package acl is the per-row Access-Rule Compiler: a
// configured Record API carries one SQL boolean expression per
// operation (read/create/update/delete), written against four magic
// identifiers - _USER_, _REQ_, _REQ_FIELDS_, _ROW_ - and compiled into
// a parameterized SQL fragment that is ANDed into the very same
// statement that reads or writes the row. Running inside the same
// transaction as the write closes the TOCTOU window a separate
// check-then-act call would leave open.
//
// This sits below package rbac, which gates who may edit the registry
// entries that carry these rules in the first place.
package acl

import (
	"github.com/kilndb/recordapi/sqlvalue"
)

// Identity describes the caller the rule is evaluated against.
type Identity struct {
	// UserID is the caller's primary key value in the identity table,
	// or the zero Value (Null) for an anonymous request.
	UserID sqlvalue.Value
	// Table and PKColumn locate the caller's row so _USER_.col can be
	// compiled into a correlated subquery.
	Table    string
	PKColumn string
}

// Context carries every magic-identifier binding a single rule
// evaluation needs. ReqFields holds the fields a create/update request
// is trying to write (_REQ_FIELDS_); ReqMeta holds ambient
// request-scoped values such as method or remote address (_REQ_).
type Context struct {
	Identity  Identity
	ReqFields map[string]sqlvalue.Value
	ReqMeta   map[string]sqlvalue.Value
	// RowAlias qualifies _ROW_ column references, e.g. "t" for
	// `t."col"`. Empty means the bare column name is used.
	RowAlias string
}

// Compile rewrites rule's magic identifiers into a parameterized SQL
// boolean fragment suitable for ANDing into a query's WHERE clause.
// It parses rule fresh every call; a caller evaluating the same rule
// repeatedly (every request against a given Record API) should use a
// Compiler, which parses once and reuses the Plan.
func Compile(rule string, ctx Context) (string, *sqlvalue.Params, error) {
	plan, err := ParsePlan(rule)
	if err != nil {
		return "", nil, err
	}
	return plan.Render(ctx)
}

// AlwaysAllow is the rule text a registry entry uses to grant an
// operation unconditionally.
const AlwaysAllow = "1 = 1"

// AlwaysDeny is the rule text a registry entry uses to forbid an
// operation entirely; the query builder should skip issuing the
// statement at all rather than rely on this evaluating false, but it
// compiles correctly either way.
const AlwaysDeny = "1 = 0"
