package recordapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilndb/recordapi/acl"
)

func TestRegistryPutLoadRoundTrip(t *testing.T) {
	m, sc := setupRecordDB(t)

	reg := NewRegistry(m, sc)
	require.NoError(t, reg.EnsureTable(context.Background()))

	def := &Definition{
		Name:       "notes",
		Source:     "note",
		Operations: []Operation{OpCreate, OpRead, OpList},
		Rules: map[Operation]string{
			OpCreate: acl.AlwaysAllow,
			OpRead:   "_ROW_.owner = _USER_.id",
		},
	}
	require.NoError(t, reg.Put(context.Background(), def))

	got, ok := reg.Get("notes")
	require.True(t, ok)
	require.Equal(t, "note", got.Source)
	require.Equal(t, acl.AlwaysDeny, got.RuleFor(OpDelete))
	require.True(t, got.Allows(OpRead))
	require.False(t, got.Allows(OpDelete))

	reg2 := NewRegistry(m, sc)
	require.NoError(t, reg2.Load(context.Background()))
	reloaded, ok := reg2.Get("notes")
	require.True(t, ok)
	require.Equal(t, def.Source, reloaded.Source)
}

func TestRegistryPutRejectsUnknownSource(t *testing.T) {
	m, sc := setupRecordDB(t)
	reg := NewRegistry(m, sc)
	require.NoError(t, reg.EnsureTable(context.Background()))

	err := reg.Put(context.Background(), &Definition{Name: "bad", Source: "does_not_exist"})
	require.Error(t, err)
}

func TestRegistryDeleteRemovesEntry(t *testing.T) {
	m, sc := setupRecordDB(t)
	reg := NewRegistry(m, sc)
	require.NoError(t, reg.EnsureTable(context.Background()))
	require.NoError(t, reg.Put(context.Background(), &Definition{Name: "notes", Source: "note"}))

	require.NoError(t, reg.Delete(context.Background(), "notes"))
	_, ok := reg.Get("notes")
	require.False(t, ok)
}
