package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kilndb/recordapi/sqlvalue"
)

// columnNameRe is the strict sanitization applied to every column name
// that reaches generated SQL.
var columnNameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// maxDepth bounds how deeply filter[...] bracket nesting, and $and/$or
// composite nesting, may go.
const maxDepth = 5

type compiler struct {
	params *sqlvalue.Params
	alias  string
	n      int
}

func newCompiler(alias string) *compiler {
	return &compiler{params: sqlvalue.NewParams(), alias: alias}
}

func (c *compiler) qualify(column string) string {
	if c.alias != "" {
		return fmt.Sprintf(`%s."%s"`, c.alias, column)
	}
	return fmt.Sprintf(`"%s"`, column)
}

func (c *compiler) bind(v sqlvalue.Value) string {
	name := fmt.Sprintf("p__%d", c.n)
	c.n++
	c.params.Bind(name, v)
	return ":" + name
}

// Compile renders expr to a SQL boolean fragment plus the parameter
// bindings it consumed. alias, if non-empty, qualifies every column
// reference (used when a filter runs against a joined/aliased query).
func Compile(expr Expr, alias string) (string, *sqlvalue.Params, error) {
	if expr == nil {
		return "", sqlvalue.NewParams(), nil
	}
	c := newCompiler(alias)
	sqlText, err := expr.compile(c)
	if err != nil {
		return "", nil, err
	}
	return sqlText, c.params, nil
}

// validateWKT is a conservative syntax check for the handful of
// Well-Known-Text geometry shapes the spatial operators accept. It
// rejects anything that isn't a bare "TYPE(...)" literal, closing off
// SQL injection through the spatial-function argument.
var wktRe = regexp.MustCompile(`(?i)^(POINT|LINESTRING|POLYGON|MULTIPOINT|MULTILINESTRING|MULTIPOLYGON|GEOMETRYCOLLECTION)\s*\([0-9,.\s\-()]+\)$`)

func validateWKT(s string) error {
	s = strings.TrimSpace(s)
	if !wktRe.MatchString(s) {
		return fmt.Errorf("filter: invalid WKT geometry literal %q", s)
	}
	return nil
}
