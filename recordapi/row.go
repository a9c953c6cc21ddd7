package recordapi

import (
	"encoding/json"
	"fmt"

	"github.com/kilndb/recordapi/dbconn"
	"github.com/kilndb/recordapi/schema"
	"github.com/kilndb/recordapi/sqlvalue"
)

// EncodeRecord converts one scanned database row into the rich JSON
// object shape the HTTP surface returns: every column passes through
// sqlvalue so BLOB columns survive as {"blob": base64url} rather than
// whatever a naive json.Marshal of the driver's `any` would produce
//.
func EncodeRecord(row dbconn.Row) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(row.Columns))
	for i, col := range row.Columns {
		v, err := sqlvalue.FromDriver(row.Values[i])
		if err != nil {
			return nil, fmt.Errorf("recordapi: encode column %q: %w", col, err)
		}
		raw, err := sqlvalue.ToJSONRich(v)
		if err != nil {
			return nil, fmt.Errorf("recordapi: encode column %q: %w", col, err)
		}
		out[col] = raw
	}
	return out, nil
}

// RowFromMap adapts a column-name-keyed row (as returned by
// ApplyUpdate/ApplyDelete, which operate against a map so the
// Transaction Executor can key a batch result the same way) into the
// positional dbconn.Row shape EncodeRecord expects. Key order is
// irrelevant here since JSON object key order carries no meaning.
func RowFromMap(m map[string]any) dbconn.Row {
	cols := make([]string, 0, len(m))
	vals := make([]any, 0, len(m))
	for k, v := range m {
		cols = append(cols, k)
		vals = append(vals, v)
	}
	return dbconn.Row{Columns: cols, Values: vals}
}

// SplitExpandedRow splits one joined row - root table columns followed
// by each expand target's columns in order, matching selectList's
// layout - back into the root record plus a nested object per
// expanded column, replacing the raw FK scalar with the inlined
// foreign row. Splitting positionally (not by name)
// sidesteps the column-name collisions a `SELECT t.*, f.*` join
// produces when the two tables share a column name. A foreign side
// that comes back entirely NULL (no matching row) expands to JSON
// null instead of an empty object.
func SplitExpandedRow(tm *schema.TableMetadata, row dbconn.Row, expand []ExpandTarget) (map[string]json.RawMessage, error) {
	rootWidth := len(tm.Table.Columns)
	if len(row.Columns) < rootWidth {
		return nil, fmt.Errorf("recordapi: row has fewer columns than the table schema")
	}

	root, err := EncodeRecord(dbconn.Row{Columns: row.Columns[:rootWidth], Values: row.Values[:rootWidth]})
	if err != nil {
		return nil, err
	}

	offset := rootWidth
	for _, e := range expand {
		width := len(e.Foreign.Table.Columns)
		if offset+width > len(row.Columns) {
			return nil, fmt.Errorf("recordapi: joined row truncated for expand column %q", e.Column)
		}
		sub := dbconn.Row{Columns: row.Columns[offset : offset+width], Values: row.Values[offset : offset+width]}
		offset += width

		if allNull(sub.Values) {
			root[e.Column] = json.RawMessage("null")
			continue
		}
		encoded, err := EncodeRecord(sub)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(encoded)
		if err != nil {
			return nil, err
		}
		root[e.Column] = raw
	}
	return root, nil
}

func allNull(vals []any) bool {
	for _, v := range vals {
		if v != nil {
			return false
		}
	}
	return true
}
