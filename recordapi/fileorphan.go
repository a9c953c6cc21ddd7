package recordapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kilndb/recordapi/acl"
	"github.com/kilndb/recordapi/dbconn"
	"github.com/kilndb/recordapi/files"
	"github.com/kilndb/recordapi/schema"
	"github.com/kilndb/recordapi/sqlvalue"
)

// fetchRowByPK reads every column of the row identified by pk, inside
// tx, ungated by any access rule - it exists only to capture the
// file-column values an update or delete is about to stop
// referencing; the actual write a moment later is the one the ACL
// rule gates.
func fetchRowByPK(ctx context.Context, tx *sql.Tx, tm *schema.TableMetadata, pk sqlvalue.Value) (map[string]any, error) {
	pkCol := tm.PKColumn()
	if pkCol == nil {
		return nil, nil
	}
	queryText := fmt.Sprintf(`SELECT * FROM %s WHERE %s = ?`, quoteIdent(tm.Table.QualifiedName()), quoteIdent(pkCol.Name))
	rows, err := tx.QueryContext(ctx, queryText, pk)
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
	return out, nil
}

// extractObjectKeys pulls every objectstore id out of a file column's
// JSON text, whether it holds a single std.FileUpload object or a
// std.FileUploads array.
func extractObjectKeys(jsonText string) []string {
	if jsonText == "" {
		return nil
	}
	var single files.Reference
	if err := json.Unmarshal([]byte(jsonText), &single); err == nil && single.ObjectstoreID != "" {
		return []string{single.ObjectstoreID}
	}
	var multi []files.Reference
	if err := json.Unmarshal([]byte(jsonText), &multi); err == nil {
		keys := make([]string, 0, len(multi))
		for _, r := range multi {
			if r.ObjectstoreID != "" {
				keys = append(keys, r.ObjectstoreID)
			}
		}
		return keys
	}
	return nil
}

// OrphanStaleFileColumns compares oldRow's file columns against the
// values lp is about to write and enqueues the objectstore id of every
// reference the write is replacing, inside tx - the "write-new-then-
// enqueue-old" half of file replacement. A column the request didn't
// touch at all is left alone.
func OrphanStaleFileColumns(ctx context.Context, tx *sql.Tx, tm *schema.TableMetadata, oldRow map[string]any, lp *LazyParams) error {
	for _, idx := range tm.FileColumnIndices {
		col := tm.Table.Columns[idx].Name
		if !lp.Has(col) {
			continue
		}
		oldRaw, ok := oldRow[col]
		if !ok {
			continue
		}
		oldText, _ := oldRaw.(string)
		if oldText == "" {
			continue
		}

		newVal, _, err := lp.Get(col)
		if err != nil {
			return err
		}
		if newVal.Kind() == sqlvalue.KindText && newVal.String() == oldText {
			continue
		}

		for _, key := range extractObjectKeys(oldText) {
			if err := files.EnqueueTx(ctx, tx, key); err != nil {
				return fmt.Errorf("recordapi: enqueue stale file %q: %w", key, err)
			}
		}
	}
	return nil
}

// OrphanAllFileColumns enqueues every objectstore id referenced by
// row's file columns - called inside the delete's own transaction,
// after the DELETE and before Commit, since the row (and every blob it
// pointed at) is gone once that transaction commits.
func OrphanAllFileColumns(ctx context.Context, tx *sql.Tx, tm *schema.TableMetadata, row map[string]any) error {
	for _, idx := range tm.FileColumnIndices {
		col := tm.Table.Columns[idx].Name
		raw, ok := row[col]
		if !ok {
			continue
		}
		text, _ := raw.(string)
		for _, key := range extractObjectKeys(text) {
			if err := files.EnqueueTx(ctx, tx, key); err != nil {
				return fmt.Errorf("recordapi: enqueue deleted file %q: %w", key, err)
			}
		}
	}
	return nil
}

// ApplyUpdate runs an update as one writer transaction: it snapshots
// the row's current file-column values, applies the ACL-gated
// statement BuildUpdate composed, and - only once the update actually
// matched a row - enqueues any file reference the update is replacing
// or clearing. Returns (nil, nil) when the update matched no row
// (not found, or denied by the access rule folded into its WHERE).
func ApplyUpdate(ctx context.Context, db *dbconn.Manager, compiler *acl.Compiler, tm *schema.TableMetadata, pk sqlvalue.Value, lp *LazyParams, rule string, identity acl.Identity, reqMeta map[string]sqlvalue.Value) (map[string]any, error) {
	sqlText, params, err := BuildUpdate(ctx, compiler, tm, pk, lp, rule, identity, reqMeta)
	if err != nil {
		return nil, err
	}

	v, err := db.Call(ctx, func(conn *sql.Conn) (any, error) {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		oldRow, err := fetchRowByPK(ctx, tx, tm, pk)
		if err != nil {
			tx.Rollback()
			return nil, err
		}

		row, err := execReturningRow(ctx, tx, sqlText, params)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if row == nil {
			tx.Rollback()
			return nil, nil
		}

		if oldRow != nil {
			if err := OrphanStaleFileColumns(ctx, tx, tm, oldRow, lp); err != nil {
				tx.Rollback()
				return nil, err
			}
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return row, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(map[string]any), nil
}

// ApplyDelete runs a delete as one writer transaction, enqueuing every
// file reference the deleted row held once the delete has actually
// removed it. Returns (nil, nil) when the delete matched no row.
func ApplyDelete(ctx context.Context, db *dbconn.Manager, compiler *acl.Compiler, tm *schema.TableMetadata, pk sqlvalue.Value, rule string, identity acl.Identity) (map[string]any, error) {
	sqlText, params, err := BuildDelete(ctx, compiler, tm, pk, rule, identity)
	if err != nil {
		return nil, err
	}

	v, err := db.Call(ctx, func(conn *sql.Conn) (any, error) {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		oldRow, err := fetchRowByPK(ctx, tx, tm, pk)
		if err != nil {
			tx.Rollback()
			return nil, err
		}

		row, err := execReturningRow(ctx, tx, sqlText, params)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if row == nil {
			tx.Rollback()
			return nil, nil
		}

		if oldRow != nil {
			if err := OrphanAllFileColumns(ctx, tx, tm, oldRow); err != nil {
				tx.Rollback()
				return nil, err
			}
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return row, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(map[string]any), nil
}
