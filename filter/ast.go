// Package filter implements the URL query-string filter grammar for
// list operations: `filter[...]`, `order`, `cursor`, `offset`, `limit`,
// `expand`, and `count` are parsed into a typed AST with strict
// column-name sanitization, then compiled to a parameterized SQL
// fragment.
package filter

import (
	"fmt"
	"strings"

	"github.com/kilndb/recordapi/sqlvalue"
)

// Op enumerates the comparison operators the filter grammar recognizes.
type Op string

const (
	OpEq         Op = "$eq"
	OpNe         Op = "$ne"
	OpLt         Op = "$lt"
	OpLte        Op = "$lte"
	OpGt         Op = "$gt"
	OpGte        Op = "$gte"
	OpIs         Op = "$is"
	OpLike       Op = "$like"
	OpRegexp     Op = "$re"
	OpWithin     Op = "@within"
	OpIntersects Op = "@intersects"
	OpContains   Op = "@contains"
)

var sqlOperator = map[Op]string{
	OpEq:   "=",
	OpNe:   "<>",
	OpLt:   "<",
	OpLte:  "<=",
	OpGt:   ">",
	OpGte:  ">=",
	OpLike: "LIKE",
}

var spatialFunc = map[Op]string{
	OpWithin:     "ST_Within",
	OpIntersects: "ST_Intersects",
	OpContains:   "ST_Contains",
}

func validOp(op Op) bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIs, OpLike, OpRegexp, OpWithin, OpIntersects, OpContains:
		return true
	}
	return false
}

// Expr is one node of the compiled filter AST.
type Expr interface {
	compile(c *compiler) (string, error)
}

// Comparison is `column OP value`.
type Comparison struct {
	Column string
	Op     Op
	Value  string
}

// And is the logical AND of >=2 children.
type And struct{ Children []Expr }

// Or is the logical OR of >=2 children.
type Or struct{ Children []Expr }

func (c *Comparison) compile(cc *compiler) (string, error) {
	if !columnNameRe.MatchString(c.Column) {
		return "", fmt.Errorf("filter: invalid column name %q", c.Column)
	}
	qualified := cc.qualify(c.Column)

	switch c.Op {
	case OpIs:
		switch c.Value {
		case "NULL":
			return fmt.Sprintf("%s IS NULL", qualified), nil
		case "!NULL":
			return fmt.Sprintf("%s IS NOT NULL", qualified), nil
		default:
			return "", fmt.Errorf("filter: $is only admits NULL or !NULL, got %q", c.Value)
		}
	case OpRegexp:
		p := cc.bind(sqlvalue.Text(c.Value))
		return fmt.Sprintf("regexp(%s, %s)", p, qualified), nil
	case OpWithin, OpIntersects, OpContains:
		if err := validateWKT(c.Value); err != nil {
			return "", err
		}
		p := cc.bind(sqlvalue.Text(c.Value))
		return fmt.Sprintf("%s(%s, %s)", spatialFunc[c.Op], qualified, p), nil
	default:
		sqlOp, ok := sqlOperator[c.Op]
		if !ok {
			return "", fmt.Errorf("filter: unsupported operator %q", c.Op)
		}
		p := cc.bind(sqlvalue.Text(c.Value))
		return fmt.Sprintf("%s %s %s", qualified, sqlOp, p), nil
	}
}

func (a *And) compile(cc *compiler) (string, error) {
	return compileJunction(cc, a.Children, "AND")
}

func (o *Or) compile(cc *compiler) (string, error) {
	return compileJunction(cc, o.Children, "OR")
}

func compileJunction(cc *compiler, children []Expr, joiner string) (string, error) {
	if len(children) < 2 {
		return "", fmt.Errorf("filter: %s requires at least 2 children", joiner)
	}
	parts := make([]string, 0, len(children))
	for _, ch := range children {
		s, err := ch.compile(cc)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+s+")")
	}
	return strings.Join(parts, " "+joiner+" "), nil
}
