package acl

import (
	"context"
	"database/sql"
	"fmt"
)

// RowQuerier is satisfied by *sql.Tx and *sql.Conn - whichever the
// writer-thread closure is already holding when it needs to check a
// rule, so the check and the write share one transaction.
type RowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Evaluate compiles rule against ctx and runs it as a standalone
// `SELECT` to get a single allow/deny answer - used for create, where
// there is no existing row to fold the predicate into the write
// statement's WHERE clause.
func Evaluate(ctx context.Context, q RowQuerier, rule string, bindCtx Context) (bool, error) {
	sqlText, params, err := Compile(rule, bindCtx)
	if err != nil {
		return false, err
	}

	var ok int64
	row := q.QueryRowContext(ctx, fmt.Sprintf("SELECT CASE WHEN (%s) THEN 1 ELSE 0 END", sqlText), params.Args()...)
	if err := row.Scan(&ok); err != nil {
		return false, fmt.Errorf("acl: evaluate rule: %w", err)
	}
	return ok == 1, nil
}
