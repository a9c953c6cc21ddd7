package recordapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/kilndb/recordapi/acl"
	"github.com/kilndb/recordapi/filter"
	"github.com/kilndb/recordapi/schema"
	"github.com/kilndb/recordapi/sqlvalue"
)

// compileRule renders rule against bindCtx, routing through compiler's
// parsed-Plan cache (package acl's in-process tier, backed by an
// optional Redis tier) when the caller supplies one. A nil compiler
// falls back to parsing rule fresh - the tests in this package exercise
// that path directly since a single rule is rendered once per case.
func compileRule(ctx context.Context, compiler *acl.Compiler, rule string, bindCtx acl.Context) (string, *sqlvalue.Params, error) {
	if compiler != nil {
		return compiler.Compile(ctx, rule, bindCtx)
	}
	return acl.Compile(rule, bindCtx)
}

// Query builders compose the filter grammar, the
// schema cache, and the access-rule compiler into one parameterized
// statement per CRUD operation. Every builder that touches an
// existing row folds the ACL predicate into that statement's WHERE
// clause rather than checking it beforehand, closing the TOCTOU
// window a separate read-then-write would leave open.

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

const rowAlias = "t"

// BuildReadByPK composes a single-row SELECT gated by the read rule,
// optionally joining in resolved expand targets.
func BuildReadByPK(ctx context.Context, compiler *acl.Compiler, tm *schema.TableMetadata, pk sqlvalue.Value, rule string, identity acl.Identity, expand []ExpandTarget) (string, *sqlvalue.Params, error) {
	aclSQL, aclParams, err := compileRule(ctx, compiler, rule, acl.Context{Identity: identity, RowAlias: rowAlias})
	if err != nil {
		return "", nil, err
	}

	pkCol := tm.PKColumn()
	if pkCol == nil {
		return "", nil, fmt.Errorf("recordapi: table %s has no record-eligible primary key", tm.Table.QualifiedName())
	}

	params := sqlvalue.NewParams()
	params.Bind("pk", pk)
	params.Merge(aclParams)

	sqlText := fmt.Sprintf(
		`SELECT %s FROM %s AS %s%s WHERE %s.%s = :pk AND (%s)`,
		selectList(rowAlias, expand), quoteIdent(tm.Table.QualifiedName()), rowAlias, joinClause(rowAlias, expand),
		rowAlias, quoteIdent(pkCol.Name), aclSQL,
	)
	return sqlText, params, nil
}

// BuildList composes the list/search SELECT: access rule, filter
// expression, ordering, optional expand joins, and a pagination
// window. Cursor and explicit order are mutually exclusive: when the caller supplies no order, pagination is a
// keyset scan on the PK (descending) driven by `cursor`; an explicit
// order falls back to OFFSET, since a custom sort no longer yields a
// monotonic keyset window.
func BuildList(ctx context.Context, compiler *acl.Compiler, tm *schema.TableMetadata, q *filter.Query, rule string, identity acl.Identity, expand []ExpandTarget) (string, *sqlvalue.Params, error) {
	aclSQL, aclParams, err := compileRule(ctx, compiler, rule, acl.Context{Identity: identity, RowAlias: rowAlias})
	if err != nil {
		return "", nil, err
	}

	params := sqlvalue.NewParams()
	where := "(" + aclSQL + ")"
	params.Merge(aclParams)

	if q != nil && q.Filter != nil {
		filterSQL, filterParams, err := filter.Compile(q.Filter, rowAlias)
		if err != nil {
			return "", nil, err
		}
		where += " AND (" + filterSQL + ")"
		params.Merge(filterParams)
	}

	pkCol := tm.PKColumn()
	explicitOrder := q != nil && len(q.Order) > 0
	useCursor := q != nil && q.Cursor != "" && !explicitOrder

	var order string
	switch {
	case explicitOrder:
		terms := make([]string, 0, len(q.Order))
		for _, t := range q.Order {
			dir := "ASC"
			if t.Desc {
				dir = "DESC"
			}
			terms = append(terms, fmt.Sprintf("%s.%s %s", rowAlias, quoteIdent(t.Column), dir))
		}
		order = " ORDER BY " + strings.Join(terms, ", ")
	case pkCol != nil:
		order = fmt.Sprintf(" ORDER BY %s.%s DESC", rowAlias, quoteIdent(pkCol.Name))
	}

	offset := 0
	if q != nil {
		offset = q.Offset
	}

	if useCursor {
		if pkCol == nil {
			return "", nil, fmt.Errorf("recordapi: table %s has no record-eligible primary key for cursor pagination", tm.Table.QualifiedName())
		}
		cursorVal, err := sqlvalue.DecodeID(pkCol.Affinity, q.Cursor)
		if err != nil {
			return "", nil, fmt.Errorf("recordapi: invalid cursor: %w", err)
		}
		where += fmt.Sprintf(" AND %s.%s < :cursor", rowAlias, quoteIdent(pkCol.Name))
		params.Bind("cursor", cursorVal)
		offset = 0 // keyset pagination replaces offset entirely
	}

	limit := filter.DefaultLimit
	if q != nil && q.Limit > 0 {
		limit = q.Limit
	}
	params.Bind("limit", sqlvalue.Integer(int64(limit)))
	params.Bind("offset", sqlvalue.Integer(int64(offset)))

	sqlText := fmt.Sprintf(
		`SELECT %s FROM %s AS %s%s WHERE %s%s LIMIT :limit OFFSET :offset`,
		selectList(rowAlias, expand), quoteIdent(tm.Table.QualifiedName()), rowAlias, joinClause(rowAlias, expand),
		where, order,
	)
	return sqlText, params, nil
}

// BuildCount composes the parallel `SELECT COUNT(*)` a list request
// runs when the caller asks for count=true: the same access rule and
// filter as the listing, without the pagination window or cursor.
func BuildCount(ctx context.Context, compiler *acl.Compiler, tm *schema.TableMetadata, q *filter.Query, rule string, identity acl.Identity) (string, *sqlvalue.Params, error) {
	aclSQL, aclParams, err := compileRule(ctx, compiler, rule, acl.Context{Identity: identity, RowAlias: rowAlias})
	if err != nil {
		return "", nil, err
	}

	params := sqlvalue.NewParams()
	where := "(" + aclSQL + ")"
	params.Merge(aclParams)

	if q != nil && q.Filter != nil {
		filterSQL, filterParams, err := filter.Compile(q.Filter, rowAlias)
		if err != nil {
			return "", nil, err
		}
		where += " AND (" + filterSQL + ")"
		params.Merge(filterParams)
	}

	sqlText := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s AS %s WHERE %s`,
		quoteIdent(tm.Table.QualifiedName()), rowAlias, where,
	)
	return sqlText, params, nil
}

// ConflictResolution selects the SQLite conflict-resolution clause a
// Definition's create operation applies to its INSERT.
type ConflictResolution string

const (
	ConflictAbort   ConflictResolution = "abort" // default: constraint violation fails the request
	ConflictReplace ConflictResolution = "replace"
	ConflictIgnore  ConflictResolution = "ignore"
)

func (c ConflictResolution) clause() string {
	switch c {
	case ConflictReplace:
		return "INSERT OR REPLACE INTO"
	case ConflictIgnore:
		return "INSERT OR IGNORE INTO"
	default:
		return "INSERT INTO"
	}
}

// BuildInsert composes the INSERT for a create operation. It does not
// embed the create ACL rule - a create has no existing row for _ROW_
// to reference, so the caller evaluates the rule standalone (via
// acl.Evaluate, on the same connection/transaction) before issuing
// this statement. When the primary key is a BLOB column the request
// didn't supply, the statement generates one with uuid_v7().
func BuildInsert(tm *schema.TableMetadata, lp *LazyParams, conflict ConflictResolution) (string, *sqlvalue.Params, error) {
	pkCol := tm.PKColumn()
	cols := lp.WritableColumns()

	params := sqlvalue.NewParams()
	var colNames, placeholders []string
	for i, col := range cols {
		v, _, err := lp.Get(col)
		if err != nil {
			return "", nil, err
		}
		name := fmt.Sprintf("c%d", i)
		params.Bind(name, v)
		colNames = append(colNames, quoteIdent(col))
		placeholders = append(placeholders, ":"+name)
	}

	if pkCol != nil && pkCol.Affinity == sqlvalue.ColumnBlob && !lp.Has(pkCol.Name) {
		colNames = append([]string{quoteIdent(pkCol.Name)}, colNames...)
		placeholders = append([]string{"uuid_v7()"}, placeholders...)
	}

	if len(colNames) == 0 {
		return "", nil, fmt.Errorf("recordapi: create request has no writable fields")
	}

	sqlText := fmt.Sprintf(
		`%s %s (%s) VALUES (%s) RETURNING *`,
		conflict.clause(), quoteIdent(tm.Table.QualifiedName()), strings.Join(colNames, ", "), strings.Join(placeholders, ", "),
	)
	return sqlText, params, nil
}

// BuildUpdate composes the UPDATE for a write to an existing row, with
// the update ACL rule folded into the WHERE clause alongside the
// primary-key match.
func BuildUpdate(ctx context.Context, compiler *acl.Compiler, tm *schema.TableMetadata, pk sqlvalue.Value, lp *LazyParams, rule string, identity acl.Identity, reqMeta map[string]sqlvalue.Value) (string, *sqlvalue.Params, error) {
	pkCol := tm.PKColumn()
	if pkCol == nil {
		return "", nil, fmt.Errorf("recordapi: table %s has no record-eligible primary key", tm.Table.QualifiedName())
	}

	fields, err := lp.Fields()
	if err != nil {
		return "", nil, err
	}
	aclSQL, aclParams, err := compileRule(ctx, compiler, rule, acl.Context{
		Identity: identity, RowAlias: rowAlias, ReqFields: fields, ReqMeta: reqMeta,
	})
	if err != nil {
		return "", nil, err
	}

	cols := lp.WritableColumns()
	params := sqlvalue.NewParams()
	var sets []string
	for i, col := range cols {
		if col == pkCol.Name {
			continue // primary key is immutable through the update path
		}
		v, _, err := lp.Get(col)
		if err != nil {
			return "", nil, err
		}
		name := fmt.Sprintf("c%d", i)
		params.Bind(name, v)
		sets = append(sets, fmt.Sprintf("%s = :%s", quoteIdent(col), name))
	}
	if len(sets) == 0 {
		return "", nil, fmt.Errorf("recordapi: update request has no writable fields")
	}

	params.Bind("pk", pk)
	params.Merge(aclParams)

	sqlText := fmt.Sprintf(
		`UPDATE %s AS %s SET %s WHERE %s.%s = :pk AND (%s) RETURNING *`,
		quoteIdent(tm.Table.QualifiedName()), rowAlias, strings.Join(sets, ", "),
		rowAlias, quoteIdent(pkCol.Name), aclSQL,
	)
	return sqlText, params, nil
}

// BuildDelete composes the DELETE for a row, with the delete ACL rule
// folded into the same WHERE clause as the primary-key match.
func BuildDelete(ctx context.Context, compiler *acl.Compiler, tm *schema.TableMetadata, pk sqlvalue.Value, rule string, identity acl.Identity) (string, *sqlvalue.Params, error) {
	pkCol := tm.PKColumn()
	if pkCol == nil {
		return "", nil, fmt.Errorf("recordapi: table %s has no record-eligible primary key", tm.Table.QualifiedName())
	}

	aclSQL, aclParams, err := compileRule(ctx, compiler, rule, acl.Context{Identity: identity, RowAlias: rowAlias})
	if err != nil {
		return "", nil, err
	}

	params := sqlvalue.NewParams()
	params.Bind("pk", pk)
	params.Merge(aclParams)

	sqlText := fmt.Sprintf(
		`DELETE FROM %s AS %s WHERE %s.%s = :pk AND (%s) RETURNING %s`,
		quoteIdent(tm.Table.QualifiedName()), rowAlias,
		rowAlias, quoteIdent(pkCol.Name), aclSQL, quoteIdent(pkCol.Name),
	)
	return sqlText, params, nil
}
