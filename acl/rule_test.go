package acl

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/kilndb/recordapi/sqlvalue"
)

func TestCompileRowAndUserIdentifiers(t *testing.T) {
	ctx := Context{
		Identity: Identity{UserID: sqlvalue.Integer(7), Table: "_user", PKColumn: "id"},
		RowAlias: "t",
	}
	sqlText, params, err := Compile(`_ROW_.owner = _USER_.id`, ctx)
	require.NoError(t, err)
	require.Contains(t, sqlText, `t."owner"`)
	require.Contains(t, sqlText, `SELECT "id" FROM "_user"`)
	require.Equal(t, 1, params.Len())
}

func TestCompileReqFieldsAndReqMeta(t *testing.T) {
	ctx := Context{
		ReqFields: map[string]sqlvalue.Value{"status": sqlvalue.Text("draft")},
		ReqMeta:   map[string]sqlvalue.Value{"method": sqlvalue.Text("POST")},
	}
	sqlText, params, err := Compile(`_REQ_FIELDS_.status = 'draft' AND _REQ_.method = :_x`, ctx)
	require.NoError(t, err)
	require.NotContains(t, sqlText, "_REQ_FIELDS_")
	require.Equal(t, 2, params.Len())
}

func TestCompileRejectsStatementSmuggling(t *testing.T) {
	_, _, err := Compile(`1 = 1; DROP TABLE widgets`, Context{})
	require.Error(t, err)
}

func TestCompileMissingIdentityTableErrors(t *testing.T) {
	_, _, err := Compile(`_USER_.id = 1`, Context{})
	require.Error(t, err)
}

func TestEvaluateAgainstRealDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acl.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE _user (id INTEGER PRIMARY KEY, role TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO _user (id, role) VALUES (1, 'admin')`)
	require.NoError(t, err)

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	bindCtx := Context{Identity: Identity{UserID: sqlvalue.Integer(1), Table: "_user", PKColumn: "id"}}

	allowed, err := Evaluate(context.Background(), conn, `_USER_.role = 'admin'`, bindCtx)
	require.NoError(t, err)
	require.True(t, allowed)

	bindCtx.Identity.UserID = sqlvalue.Integer(999)
	allowed, err = Evaluate(context.Background(), conn, `_USER_.role = 'admin'`, bindCtx)
	require.NoError(t, err)
	require.False(t, allowed)
}
