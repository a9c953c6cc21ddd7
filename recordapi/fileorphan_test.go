package recordapi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilndb/recordapi/acl"
	"github.com/kilndb/recordapi/dbconn"
	"github.com/kilndb/recordapi/files"
	"github.com/kilndb/recordapi/schema"
	"github.com/kilndb/recordapi/sqlvalue"
)

func setupAvatarDB(t *testing.T) (*dbconn.Manager, *schema.Cache, *files.Manager) {
	t.Helper()
	path := t.TempDir() + "/avatars.db"
	m, err := dbconn.Make(context.Background(), path, dbconn.Options{Readers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	_, err = m.Execute(context.Background(), `
		CREATE TABLE profile (
			id     BLOB PRIMARY KEY,
			name   TEXT NOT NULL,
			avatar FILEUPLOAD
		);
	`)
	require.NoError(t, err)

	sc := schema.NewCache(path, schema.NewRegistry(), nil)
	require.NoError(t, sc.Refresh(context.Background()))

	store, err := files.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	dq := files.NewDeletionQueue(m, store, nil)
	require.NoError(t, dq.EnsureTable(context.Background()))
	fm := files.NewManager(store, dq, 0)

	return m, sc, fm
}

func refJSON(t *testing.T, ref files.Reference) sqlvalue.Value {
	t.Helper()
	b, err := json.Marshal(ref)
	require.NoError(t, err)
	v, err := sqlvalue.FromJSONFlat(sqlvalue.ColumnText, b)
	require.NoError(t, err)
	return v
}

func TestApplyUpdateOrphansReplacedFile(t *testing.T) {
	ctx := context.Background()
	m, sc, fm := setupAvatarDB(t)
	tm, ok := sc.Table("profile")
	require.True(t, ok)

	id := sqlvalue.Blob([]byte("0123456789abcdef"))
	first, err := fm.Accept(ctx, files.Upload{Name: "avatar", Filename: "one.png", Bytes: []byte("png1")})
	require.NoError(t, err)
	_, err = m.Execute(ctx, `INSERT INTO profile (id, name, avatar) VALUES (?, ?, ?)`,
		id, sqlvalue.Text("alice"), refJSON(t, first))
	require.NoError(t, err)

	second, err := fm.Accept(ctx, files.Upload{Name: "avatar", Filename: "two.png", Bytes: []byte("png2")})
	require.NoError(t, err)

	lp, err := NewLazyParams(tm, []byte(`{}`))
	require.NoError(t, err)
	lp.SetValue("avatar", refJSON(t, second))

	row, err := ApplyUpdate(ctx, m, nil, tm, id, lp, acl.AlwaysAllow, acl.Identity{}, nil)
	require.NoError(t, err)
	require.NotNil(t, row)

	rows, err := m.ReadQueryRows(ctx, `SELECT object_key FROM _file_deletions`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	key, _ := rows[0].Get("object_key")
	require.Equal(t, first.ObjectstoreID, key)
}

func TestApplyDeleteOrphansAllFiles(t *testing.T) {
	ctx := context.Background()
	m, sc, fm := setupAvatarDB(t)
	tm, ok := sc.Table("profile")
	require.True(t, ok)

	id := sqlvalue.Blob([]byte("fedcba9876543210"))
	ref, err := fm.Accept(ctx, files.Upload{Name: "avatar", Filename: "one.png", Bytes: []byte("png1")})
	require.NoError(t, err)
	_, err = m.Execute(ctx, `INSERT INTO profile (id, name, avatar) VALUES (?, ?, ?)`,
		id, sqlvalue.Text("bob"), refJSON(t, ref))
	require.NoError(t, err)

	row, err := ApplyDelete(ctx, m, nil, tm, id, acl.AlwaysAllow, acl.Identity{})
	require.NoError(t, err)
	require.NotNil(t, row)

	rows, err := m.ReadQueryRows(ctx, `SELECT object_key FROM _file_deletions`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	key, _ := rows[0].Get("object_key")
	require.Equal(t, ref.ObjectstoreID, key)
}
