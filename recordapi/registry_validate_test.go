package recordapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilndb/recordapi/dbconn"
	"github.com/kilndb/recordapi/schema"
)

func setupExpandDB(t *testing.T) (*dbconn.Manager, *schema.Cache) {
	t.Helper()
	path := t.TempDir() + "/expand.db"
	m, err := dbconn.Make(context.Background(), path, dbconn.Options{Readers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	_, err = m.Execute(context.Background(), `
		CREATE TABLE author (id BLOB PRIMARY KEY, name TEXT NOT NULL);
	`)
	require.NoError(t, err)
	_, err = m.Execute(context.Background(), `
		CREATE TABLE post (
			id        BLOB PRIMARY KEY,
			author_id BLOB NOT NULL REFERENCES author(id),
			title     TEXT NOT NULL
		);
	`)
	require.NoError(t, err)
	_, err = m.Execute(context.Background(), `
		CREATE VIEW post_view AS SELECT id, title FROM post;
	`)
	require.NoError(t, err)

	sc := schema.NewCache(path, schema.NewRegistry(), nil)
	require.NoError(t, sc.Refresh(context.Background()))
	return m, sc
}

func TestRegistryValidateRejectsLowercaseMagicIdentifier(t *testing.T) {
	m, sc := setupExpandDB(t)
	reg := NewRegistry(m, sc)
	require.NoError(t, reg.EnsureTable(context.Background()))

	err := reg.Validate(&Definition{
		Name:       "posts",
		Source:     "post",
		Operations: []Operation{OpRead},
		Rules:      map[Operation]string{OpRead: "_row_.author_id = _user_.id"},
	})
	require.Error(t, err)
}

func TestRegistryValidateRejectsReqOnReadRule(t *testing.T) {
	m, sc := setupExpandDB(t)
	reg := NewRegistry(m, sc)
	require.NoError(t, reg.EnsureTable(context.Background()))

	err := reg.Validate(&Definition{
		Name:       "posts",
		Source:     "post",
		Operations: []Operation{OpRead},
		Rules:      map[Operation]string{OpRead: "_ROW_.author_id = _REQ_.author_id"},
	})
	require.Error(t, err)
}

func TestRegistryValidateAcceptsValidExpandColumn(t *testing.T) {
	m, sc := setupExpandDB(t)
	reg := NewRegistry(m, sc)
	require.NoError(t, reg.EnsureTable(context.Background()))

	err := reg.Validate(&Definition{
		Name:          "posts",
		Source:        "post",
		Operations:    []Operation{OpRead},
		AllowedExpand: []string{"author_id"},
	})
	require.NoError(t, err)
}

func TestRegistryValidateRejectsExpandColumnStartingWithUnderscore(t *testing.T) {
	m, sc := setupExpandDB(t)
	reg := NewRegistry(m, sc)
	require.NoError(t, reg.EnsureTable(context.Background()))

	err := reg.Validate(&Definition{
		Name:          "posts",
		Source:        "post",
		Operations:    []Operation{OpRead},
		AllowedExpand: []string{"_rowid_"},
	})
	require.Error(t, err)
}

func TestRegistryValidateRejectsExpandColumnNotForeignKey(t *testing.T) {
	m, sc := setupExpandDB(t)
	reg := NewRegistry(m, sc)
	require.NoError(t, reg.EnsureTable(context.Background()))

	err := reg.Validate(&Definition{
		Name:          "posts",
		Source:        "post",
		Operations:    []Operation{OpRead},
		AllowedExpand: []string{"title"},
	})
	require.Error(t, err)
}

func TestRegistryValidateRejectsExpandFromViewSource(t *testing.T) {
	m, sc := setupExpandDB(t)
	reg := NewRegistry(m, sc)
	require.NoError(t, reg.EnsureTable(context.Background()))

	err := reg.Validate(&Definition{
		Name:          "post_views",
		Source:        "post_view",
		Operations:    []Operation{OpRead},
		AllowedExpand: []string{"author_id"},
	})
	require.Error(t, err)
}

func TestRegistryValidateAcceptsSimpleViewSource(t *testing.T) {
	m, sc := setupExpandDB(t)
	reg := NewRegistry(m, sc)
	require.NoError(t, reg.EnsureTable(context.Background()))

	err := reg.Validate(&Definition{
		Name:       "post_views",
		Source:     "post_view",
		Operations: []Operation{OpRead},
	})
	require.NoError(t, err)
}

func TestRegistryValidateSchemaOperationRule(t *testing.T) {
	m, sc := setupExpandDB(t)
	reg := NewRegistry(m, sc)
	require.NoError(t, reg.EnsureTable(context.Background()))

	err := reg.Validate(&Definition{
		Name:       "posts",
		Source:     "post",
		Operations: []Operation{OpSchema},
		Rules:      map[Operation]string{OpSchema: "_USER_.id = _USER_.id"},
	})
	require.NoError(t, err)

	err = reg.Validate(&Definition{
		Name:       "posts2",
		Source:     "post",
		Operations: []Operation{OpSchema},
		Rules:      map[Operation]string{OpSchema: "_ROW_.title = 'x'"},
	})
	require.Error(t, err)
}

func TestRegistryValidateExcludedColumnMustHaveDefaultOrNullable(t *testing.T) {
	m, sc := setupExpandDB(t)
	reg := NewRegistry(m, sc)
	require.NoError(t, reg.EnsureTable(context.Background()))

	err := reg.Validate(&Definition{
		Name:            "posts",
		Source:          "post",
		Operations:      []Operation{OpCreate},
		ExcludedColumns: map[string]bool{"title": true},
	})
	require.Error(t, err)
}
