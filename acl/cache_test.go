package acl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilndb/recordapi/sqlvalue"
)

func TestCompilerReusesParsedPlan(t *testing.T) {
	c := NewCompiler()
	ctx := context.Background()

	p1, err := c.Plan(ctx, "_ROW_.owner = _USER_.id")
	require.NoError(t, err)
	p2, err := c.Plan(ctx, "_ROW_.owner = _USER_.id")
	require.NoError(t, err)
	require.Same(t, p1, p2)
}

func TestCompilerForgetDropsLocalEntry(t *testing.T) {
	c := NewCompiler()
	ctx := context.Background()

	p1, err := c.Plan(ctx, "1 = 1")
	require.NoError(t, err)
	c.Forget(ctx, "1 = 1")

	p2, err := c.Plan(ctx, "1 = 1")
	require.NoError(t, err)
	require.NotSame(t, p1, p2)
}

func TestCompilerCompileRendersBoundValues(t *testing.T) {
	c := NewCompiler()
	bindCtx := Context{Identity: Identity{UserID: sqlvalue.Integer(1), Table: "_user", PKColumn: "id"}, RowAlias: "t"}

	sqlText, params, err := c.Compile(context.Background(), "_ROW_.owner = _USER_.id", bindCtx)
	require.NoError(t, err)
	require.Contains(t, sqlText, `t."owner"`)
	require.Equal(t, 1, params.Len())
}
