package recordapi

import (
	"fmt"

	"github.com/kilndb/recordapi/schema"
)

// ExpandTarget is one resolved foreign-key column a list/read
// operation will inline into its response. Resolution happens once per request against
// the API's whitelist and the schema cache, not per row.
type ExpandTarget struct {
	Column   string // the FK column on the root table
	Alias    string // table alias used for the joined foreign row
	Foreign  *schema.TableMetadata
	FKColumn string // the foreign table's referenced column, usually its PK
}

// ResolveExpand validates requested expand columns against whitelist
// (the API's configured Expand set) and the schema cache, in the
// order the caller asked for them. Expansion is single-level and
// restricted to non-composite foreign keys.
func ResolveExpand(tm *schema.TableMetadata, sc *schema.Cache, whitelist []string, requested []string) ([]ExpandTarget, error) {
	if len(requested) == 0 {
		return nil, nil
	}
	allowed := make(map[string]bool, len(whitelist))
	for _, w := range whitelist {
		allowed[w] = true
	}

	out := make([]ExpandTarget, 0, len(requested))
	for i, col := range requested {
		if !allowed[col] {
			return nil, fmt.Errorf("recordapi: expand column %q is not in the API's expand whitelist", col)
		}
		idx := tm.Table.ColumnIndex(col)
		if idx < 0 {
			return nil, fmt.Errorf("recordapi: unknown expand column %q", col)
		}
		fk := tm.Table.Columns[idx].Options.ForeignKey
		if fk == nil || len(fk.ReferredColumns) != 1 {
			return nil, fmt.Errorf("recordapi: expand column %q is not a single-column foreign key", col)
		}
		foreign, ok := sc.Table(fk.Table)
		if !ok {
			return nil, fmt.Errorf("recordapi: expand target table %q not found", fk.Table)
		}
		out = append(out, ExpandTarget{
			Column:   col,
			Alias:    fmt.Sprintf("_exp%d", i),
			Foreign:  foreign,
			FKColumn: fk.ReferredColumns[0],
		})
	}
	return out, nil
}

// joinClause renders the LEFT JOIN chain for a resolved expand set,
// rooted at rowAlias.
func joinClause(rowAlias string, expand []ExpandTarget) string {
	var out string
	for _, e := range expand {
		out += fmt.Sprintf(" LEFT JOIN %s AS %s ON %s.%s = %s.%s",
			quoteIdent(e.Foreign.Table.QualifiedName()), e.Alias,
			rowAlias, quoteIdent(e.Column),
			e.Alias, quoteIdent(e.FKColumn))
	}
	return out
}

// selectList renders the root row's columns followed by each expand
// target's columns, in expand order - the shape a caller splits the
// scanned row back apart by column count.
func selectList(rowAlias string, expand []ExpandTarget) string {
	out := rowAlias + ".*"
	for _, e := range expand {
		out += ", " + e.Alias + ".*"
	}
	return out
}
