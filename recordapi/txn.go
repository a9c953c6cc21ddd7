package recordapi

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kilndb/recordapi/acl"
	"github.com/kilndb/recordapi/dbconn"
	"github.com/kilndb/recordapi/schema"
	"github.com/kilndb/recordapi/sqlvalue"
)

// MaxBatchOps bounds a single transaction batch: large
// enough for a real bulk edit, small enough that one caller can't pin
// the writer connection indefinitely.
const MaxBatchOps = 128

// BatchOp is one Create/Update/Delete inside a transaction batch.
type BatchOp struct {
	Definition *Definition
	Table      *schema.TableMetadata
	Op         Operation // OpCreate, OpUpdate, or OpDelete
	PK         sqlvalue.Value
	Body       []byte // request JSON for create/update, ignored for delete
	ReqMeta    map[string]sqlvalue.Value
}

// BatchResult is the per-op outcome of a transaction batch.
type BatchResult struct {
	Row map[string]any
	Err error
}

// RunBatch executes ops as one SQLite transaction on the writer
// connection: every op's ACL rule is checked as part of composing its
// statement, and the whole batch commits or rolls back atomically.
// A single denied or failing op aborts and rolls back the entire
// batch - treats a batch as all-or-nothing.
func RunBatch(ctx context.Context, db *dbconn.Manager, compiler *acl.Compiler, identity acl.Identity, ops []BatchOp) ([]BatchResult, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("recordapi: empty batch")
	}
	if len(ops) > MaxBatchOps {
		return nil, fmt.Errorf("recordapi: batch of %d ops exceeds the limit of %d", len(ops), MaxBatchOps)
	}

	v, err := db.Call(ctx, func(conn *sql.Conn) (any, error) {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		results := make([]BatchResult, len(ops))
		for i, op := range ops {
			row, execErr := runBatchOp(ctx, compiler, tx, identity, op)
			if execErr != nil {
				tx.Rollback()
				return nil, fmt.Errorf("recordapi: batch op %d (%s on %s): %w", i, op.Op, op.Definition.Name, execErr)
			}
			results[i] = BatchResult{Row: row}
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]BatchResult), nil
}

func runBatchOp(ctx context.Context, compiler *acl.Compiler, tx *sql.Tx, identity acl.Identity, op BatchOp) (map[string]any, error) {
	switch op.Op {
	case OpCreate:
		lp, err := NewLazyParams(op.Table, op.Body)
		if err != nil {
			return nil, err
		}
		fields, err := lp.Fields()
		if err != nil {
			return nil, err
		}
		allowed, err := acl.Evaluate(ctx, tx, op.Definition.RuleFor(OpCreate), acl.Context{
			Identity: identity, ReqFields: fields, ReqMeta: op.ReqMeta,
		})
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, fmt.Errorf("create denied by access rule")
		}
		sqlText, params, err := BuildInsert(op.Table, lp, op.Definition.ConflictResolution)
		if err != nil {
			return nil, err
		}
		return execReturningRow(ctx, tx, sqlText, params)

	case OpUpdate:
		lp, err := NewLazyParams(op.Table, op.Body)
		if err != nil {
			return nil, err
		}
		oldRow, err := fetchRowByPK(ctx, tx, op.Table, op.PK)
		if err != nil {
			return nil, err
		}
		sqlText, params, err := BuildUpdate(ctx, compiler, op.Table, op.PK, lp, op.Definition.RuleFor(OpUpdate), identity, op.ReqMeta)
		if err != nil {
			return nil, err
		}
		row, err := execReturningRow(ctx, tx, sqlText, params)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, fmt.Errorf("update denied by access rule or row not found")
		}
		if oldRow != nil {
			if err := OrphanStaleFileColumns(ctx, tx, op.Table, oldRow, lp); err != nil {
				return nil, err
			}
		}
		return row, nil

	case OpDelete:
		oldRow, err := fetchRowByPK(ctx, tx, op.Table, op.PK)
		if err != nil {
			return nil, err
		}
		sqlText, params, err := BuildDelete(ctx, compiler, op.Table, op.PK, op.Definition.RuleFor(OpDelete), identity)
		if err != nil {
			return nil, err
		}
		row, err := execReturningRow(ctx, tx, sqlText, params)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, fmt.Errorf("delete denied by access rule or row not found")
		}
		if oldRow != nil {
			if err := OrphanAllFileColumns(ctx, tx, op.Table, oldRow); err != nil {
				return nil, err
			}
		}
		return row, nil

	default:
		return nil, fmt.Errorf("unsupported batch operation %q", op.Op)
	}
}

func execReturningRow(ctx context.Context, tx *sql.Tx, sqlText string, params *sqlvalue.Params) (map[string]any, error) {
	rows, err := tx.QueryContext(ctx, sqlText, params.Args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		return nil, rows.Err()
	}

	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	out := make(map[string]any, len(cols))
	for i, c := range cols {
		out[c] = dest[i]
	}
	return out, rows.Err()
}
