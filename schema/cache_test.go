package schema

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/kilndb/recordapi/sqlvalue"
)

// testDriver registers a sqlite driver carrying a stub jsonschema()
// function, so DDL using the CHECK-constraint classification form can
// be created in tests without the native extension.
var testDriverOnce sync.Once

func testDriver() string {
	const name = "sqlite3_schema_test"
	testDriverOnce.Do(func() {
		sql.Register(name, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("jsonschema", func(string, any) bool { return true }, true)
			},
		})
	})
	return name
}

func setupDB(t *testing.T, ddl string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.db")
	db, err := sql.Open(testDriver(), path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(ddl)
	require.NoError(t, err)
	return path
}

func TestRefreshDerivesPrimaryKeyAndFileColumn(t *testing.T) {
	path := setupDB(t, `
		create table _user (id blob primary key);
		create table message (
			mid blob primary key,
			owner blob not null references _user(id),
			avatar text check (jsonschema('std.FileUpload', avatar)),
			data text not null
		);
	`)

	reg := NewRegistry()
	c := NewCache(path, reg, nil)
	require.NoError(t, c.Refresh(context.Background()))

	tm, ok := c.Table("message")
	require.True(t, ok)
	require.Equal(t, 0, tm.PKIndex)
	require.Equal(t, sqlvalue.ColumnBlob, tm.Table.Columns[0].Affinity)
	require.Contains(t, tm.UserIDColumns, 1)
	require.Contains(t, tm.FileColumnIndices, 2)
	require.Equal(t, JSONFileUpload, tm.JSONMetadata[2].Kind)
}

func TestRefreshClassifiesDeclaredTypeFileColumns(t *testing.T) {
	path := setupDB(t, `
		create table profile (
			id          blob primary key,
			avatar      FILEUPLOAD,
			attachments FILEUPLOADS
		);
	`)

	c := NewCache(path, NewRegistry(), nil)
	require.NoError(t, c.Refresh(context.Background()))

	tm, ok := c.Table("profile")
	require.True(t, ok)
	require.Equal(t, []int{1, 2}, tm.FileColumnIndices)
	require.Equal(t, JSONFileUpload, tm.JSONMetadata[1].Kind)
	require.Equal(t, JSONFileUploads, tm.JSONMetadata[2].Kind)
	require.Equal(t, sqlvalue.ColumnText, tm.Table.Columns[1].Affinity)
}

func TestSimpleViewMapsColumns(t *testing.T) {
	path := setupDB(t, `
		create table message (mid integer primary key, data text not null);
		create view message_public as select mid, data from message;
	`)

	c := NewCache(path, NewRegistry(), nil)
	require.NoError(t, c.Refresh(context.Background()))

	v, ok := c.View("message_public")
	require.True(t, ok)
	require.True(t, v.Simple)
	require.Len(t, v.Columns, 2)

	tm, ok := c.ViewTable("message_public")
	require.True(t, ok)
	require.Equal(t, 0, tm.PKIndex)
	require.Len(t, tm.Table.Columns, 2)
}
