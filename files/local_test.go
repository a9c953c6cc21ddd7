package files

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "abc123", []byte("hello world"), "text/plain"))

	data, meta, err := store.Get(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), data)
	require.Equal(t, "text/plain", meta.ContentType)
	require.Equal(t, int64(len("hello world")), meta.Size)

	require.NoError(t, store.Delete(ctx, "abc123"))
	_, _, err = store.Get(ctx, "abc123")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreRejectsPathTraversal(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	err = store.Put(ctx, "../escape", []byte("x"), "")
	require.Error(t, err)

	err = store.Put(ctx, "nested/key", []byte("x"), "")
	require.Error(t, err)
}

func TestLocalStoreGetMissingKey(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, _, err = store.Get(ctx, "never-written")
	require.ErrorIs(t, err, ErrNotFound)
}
