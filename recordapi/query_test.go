package recordapi

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilndb/recordapi/acl"
	"github.com/kilndb/recordapi/dbconn"
	"github.com/kilndb/recordapi/filter"
	"github.com/kilndb/recordapi/schema"
	"github.com/kilndb/recordapi/sqlvalue"
)

func setupRecordDB(t *testing.T) (*dbconn.Manager, *schema.Cache) {
	t.Helper()
	path := t.TempDir() + "/records.db"
	m, err := dbconn.Make(context.Background(), path, dbconn.Options{Readers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	_, err = m.Execute(context.Background(), `
		CREATE TABLE _user (id BLOB PRIMARY KEY);
	`)
	require.NoError(t, err)
	_, err = m.Execute(context.Background(), `
		CREATE TABLE note (
			id BLOB PRIMARY KEY,
			owner BLOB NOT NULL REFERENCES _user(id),
			body TEXT NOT NULL
		);
	`)
	require.NoError(t, err)

	sc := schema.NewCache(path, schema.NewRegistry(), nil)
	require.NoError(t, sc.Refresh(context.Background()))
	return m, sc
}

func TestBuildInsertGeneratesUUIDPrimaryKey(t *testing.T) {
	m, sc := setupRecordDB(t)
	tm, ok := sc.Table("note")
	require.True(t, ok)

	owner := sqlvalue.Blob(make([]byte, 16))
	_, err := m.Execute(context.Background(), `INSERT INTO _user (id) VALUES (?)`, owner)
	require.NoError(t, err)

	lp, err := NewLazyParams(tm, []byte(`{"owner": "AAAAAAAAAAAAAAAAAAAAAA", "body": "hello"}`))
	require.NoError(t, err)

	sqlText, params, err := BuildInsert(tm, lp, ConflictAbort)
	require.NoError(t, err)
	require.Contains(t, sqlText, "uuid_v7()")

	rows, err := m.WriteQueryRows(context.Background(), sqlText, params.Args()...)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	body, ok := rows[0].Get("body")
	require.True(t, ok)
	require.Equal(t, "hello", body)

	// The generated primary key must be a 16-byte UUIDv7 blob that
	// survives the HTTP id encoding round trip.
	rawID, ok := rows[0].Get("id")
	require.True(t, ok)
	idBytes, ok := rawID.([]byte)
	require.True(t, ok, "generated pk must be stored as a BLOB, got %T", rawID)
	require.True(t, sqlvalue.IsValidUUIDv7(idBytes))

	encoded, err := sqlvalue.EncodeID(sqlvalue.Blob(idBytes))
	require.NoError(t, err)
	decoded, err := sqlvalue.DecodeID(sqlvalue.ColumnBlob, encoded)
	require.NoError(t, err)
	require.Equal(t, idBytes, decoded.Bytes())
}

func TestBuildListAppliesACLAndFilter(t *testing.T) {
	m, sc := setupRecordDB(t)
	tm, ok := sc.Table("note")
	require.True(t, ok)

	owner := sqlvalue.Blob(make([]byte, 16))
	_, err := m.Execute(context.Background(), `INSERT INTO _user (id) VALUES (?)`, owner)
	require.NoError(t, err)
	_, err = m.Execute(context.Background(), `INSERT INTO note (id, owner, body) VALUES (?, ?, ?)`,
		sqlvalue.Blob([]byte("0123456789abcdef")), owner, sqlvalue.Text("mine"))
	require.NoError(t, err)

	q, err := filter.ParseQuery(url.Values{"filter[body]": {"mine"}})
	require.NoError(t, err)

	identity := acl.Identity{UserID: owner, Table: "_user", PKColumn: "id"}
	sqlText, params, err := BuildList(context.Background(), nil, tm, q, "_ROW_.owner = _USER_.id", identity, nil)
	require.NoError(t, err)

	rows, err := m.ReadQueryRows(context.Background(), sqlText, params.Args()...)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestBuildListCursorPaginatesDescendingByPK(t *testing.T) {
	m, sc := setupRecordDB(t)
	tm, ok := sc.Table("note")
	require.True(t, ok)

	owner := sqlvalue.Blob(make([]byte, 16))
	_, err := m.Execute(context.Background(), `INSERT INTO _user (id) VALUES (?)`, owner)
	require.NoError(t, err)

	ids := [][]byte{
		[]byte("0000000000000001"),
		[]byte("0000000000000002"),
		[]byte("0000000000000003"),
	}
	for _, id := range ids {
		_, err := m.Execute(context.Background(), `INSERT INTO note (id, owner, body) VALUES (?, ?, ?)`,
			sqlvalue.Blob(id), owner, sqlvalue.Text("x"))
		require.NoError(t, err)
	}

	identity := acl.Identity{UserID: owner, Table: "_user", PKColumn: "id"}

	q, err := filter.ParseQuery(url.Values{"limit": {"1"}})
	require.NoError(t, err)
	sqlText, params, err := BuildList(context.Background(), nil, tm, q, acl.AlwaysAllow, identity, nil)
	require.NoError(t, err)
	rows, err := m.ReadQueryRows(context.Background(), sqlText, params.Args()...)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	first, _ := rows[0].Get("id")
	require.Equal(t, ids[2], first)

	cursor, err := sqlvalue.EncodeID(sqlvalue.Blob(ids[2]))
	require.NoError(t, err)
	q2, err := filter.ParseQuery(url.Values{"limit": {"1"}, "cursor": {cursor}})
	require.NoError(t, err)
	sqlText2, params2, err := BuildList(context.Background(), nil, tm, q2, acl.AlwaysAllow, identity, nil)
	require.NoError(t, err)
	rows2, err := m.ReadQueryRows(context.Background(), sqlText2, params2.Args()...)
	require.NoError(t, err)
	require.Len(t, rows2, 1)
	second, _ := rows2[0].Get("id")
	require.Equal(t, ids[1], second)
}

func TestBuildDeleteDeniedByRuleAffectsNoRows(t *testing.T) {
	m, sc := setupRecordDB(t)
	tm, ok := sc.Table("note")
	require.True(t, ok)

	owner := sqlvalue.Blob(make([]byte, 16))
	other := sqlvalue.Blob([]byte("zzzzzzzzzzzzzzzz"))
	id := sqlvalue.Blob([]byte("0123456789abcdef"))
	_, err := m.Execute(context.Background(), `INSERT INTO _user (id) VALUES (?)`, owner)
	require.NoError(t, err)
	_, err = m.Execute(context.Background(), `INSERT INTO note (id, owner, body) VALUES (?, ?, ?)`, id, owner, sqlvalue.Text("x"))
	require.NoError(t, err)

	identity := acl.Identity{UserID: other, Table: "_user", PKColumn: "id"}
	sqlText, params, err := BuildDelete(context.Background(), nil, tm, id, "_ROW_.owner = _USER_.id", identity)
	require.NoError(t, err)

	rows, err := m.WriteQueryRows(context.Background(), sqlText, params.Args()...)
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

func TestRunBatchCommitsEveryOp(t *testing.T) {
	m, sc := setupRecordDB(t)
	tm, ok := sc.Table("note")
	require.True(t, ok)

	owner := sqlvalue.Blob(make([]byte, 16))
	_, err := m.Execute(context.Background(), `INSERT INTO _user (id) VALUES (?)`, owner)
	require.NoError(t, err)

	def := &Definition{
		Name:   "notes",
		Source: "note",
		Rules:  map[Operation]string{OpCreate: acl.AlwaysAllow},
	}
	identity := acl.Identity{UserID: owner, Table: "_user", PKColumn: "id"}

	ops := []BatchOp{
		{Definition: def, Table: tm, Op: OpCreate, Body: []byte(`{"owner": "AAAAAAAAAAAAAAAAAAAAAA", "body": "a"}`)},
		{Definition: def, Table: tm, Op: OpCreate, Body: []byte(`{"owner": "AAAAAAAAAAAAAAAAAAAAAA", "body": "b"}`)},
	}
	results, err := RunBatch(context.Background(), m, nil, identity, ops)
	require.NoError(t, err)
	require.Len(t, results, 2)

	count, err := dbconn.ReadQueryValue[int64](context.Background(), m, `SELECT COUNT(*) FROM note`)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}
