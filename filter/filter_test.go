package filter

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFilterImplicitAnd(t *testing.T) {
	values := url.Values{
		"filter[status]":    {"active"},
		"filter[age][$gte]": {"18"},
	}
	expr, err := ParseFilter(values)
	require.NoError(t, err)

	sqlText, params, err := Compile(expr, "")
	require.NoError(t, err)
	require.Contains(t, sqlText, "AND")
	require.Equal(t, 2, params.Len())
}

func TestParseFilterAndOrNesting(t *testing.T) {
	values := url.Values{
		"filter[$or][0][status]":            {"active"},
		"filter[$or][1][status]":            {"pending"},
		"filter[$or][1][$and][0][priority]": {"5"},
		"filter[$or][1][$and][1][owner]":    {"me"},
	}
	expr, err := ParseFilter(values)
	require.NoError(t, err)

	or, ok := expr.(*Or)
	require.True(t, ok)
	require.Len(t, or.Children, 2)

	sqlText, params, err := Compile(expr, "")
	require.NoError(t, err)
	require.Contains(t, sqlText, "OR")
	require.Equal(t, 4, params.Len())
}

func TestParseFilterRejectsInvalidColumn(t *testing.T) {
	values := url.Values{"filter[bad;name]": {"x"}}
	_, err := ParseFilter(values)
	require.Error(t, err)
}

func TestParseFilterDepthLimit(t *testing.T) {
	values := url.Values{
		"filter[$and][0][$and][0][$and][0][$and][0][$and][0][x]": {"1"},
	}
	_, err := ParseFilter(values)
	require.Error(t, err)
}

func TestComparisonIsNullOperator(t *testing.T) {
	c := &Comparison{Column: "deleted_at", Op: OpIs, Value: "NULL"}
	sqlText, params, err := Compile(c, "")
	require.NoError(t, err)
	require.Equal(t, `"deleted_at" IS NULL`, sqlText)
	require.Equal(t, 0, params.Len())
}

func TestComparisonRejectsBadIsValue(t *testing.T) {
	c := &Comparison{Column: "deleted_at", Op: OpIs, Value: "maybe"}
	_, _, err := Compile(c, "")
	require.Error(t, err)
}

func TestSpatialOperatorValidatesWKT(t *testing.T) {
	good := &Comparison{Column: "geom", Op: OpWithin, Value: "POINT(1 2)"}
	sqlText, _, err := Compile(good, "")
	require.NoError(t, err)
	require.Contains(t, sqlText, "ST_Within")

	bad := &Comparison{Column: "geom", Op: OpWithin, Value: "POINT(1 2); DROP TABLE x"}
	_, _, err = Compile(bad, "")
	require.Error(t, err)
}

func TestJunctionRequiresTwoChildren(t *testing.T) {
	a := &And{Children: []Expr{&Comparison{Column: "a", Op: OpEq, Value: "1"}}}
	_, _, err := Compile(a, "")
	require.Error(t, err)
}

func TestParseQueryOrderExpandPagination(t *testing.T) {
	values := url.Values{
		"order":  {"-created_at,name"},
		"expand": {"author,comments.user"},
		"limit":  {"10"},
		"offset": {"20"},
		"count":  {"true"},
	}
	q, err := ParseQuery(values)
	require.NoError(t, err)

	require.Len(t, q.Order, 2)
	require.Equal(t, "created_at", q.Order[0].Column)
	require.True(t, q.Order[0].Desc)
	require.Equal(t, "name", q.Order[1].Column)
	require.False(t, q.Order[1].Desc)

	require.Equal(t, []string{"author", "comments.user"}, q.Expand)
	require.Equal(t, 10, q.Limit)
	require.Equal(t, 20, q.Offset)
	require.True(t, q.Count)
}

func TestParseQueryLimitClampedToMax(t *testing.T) {
	q, err := ParseQuery(url.Values{"limit": {"999999"}})
	require.NoError(t, err)
	require.Equal(t, MaxLimit, q.Limit)
}

func TestParseQueryRejectsOffsetWithCursor(t *testing.T) {
	_, err := ParseQuery(url.Values{"cursor": {"abc"}, "offset": {"5"}})
	require.Error(t, err)
}

func TestParseQueryDefaultLimit(t *testing.T) {
	q, err := ParseQuery(url.Values{})
	require.NoError(t, err)
	require.Equal(t, DefaultLimit, q.Limit)
	require.Nil(t, q.Filter)
}
