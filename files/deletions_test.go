package files

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilndb/recordapi/dbconn"
)

// flakyStore fails the first N Delete calls (one counter shared by all
// keys), then succeeds, so the sweep's cross-tick retry counter has
// something to actually count.
type flakyStore struct {
	Store
	failures int32
	calls    int32
}

func (s *flakyStore) Delete(ctx context.Context, key string) error {
	atomic.AddInt32(&s.calls, 1)
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		return errBoom
	}
	return s.Store.Delete(ctx, key)
}

var errBoom = errors.New("flaky store: induced failure")

func setupDeletionsDB(t *testing.T) *dbconn.Manager {
	t.Helper()
	path := t.TempDir() + "/files.db"
	m, err := dbconn.Make(context.Background(), path, dbconn.Options{Readers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestDeletionQueueSweepRetriesAcrossSweeps(t *testing.T) {
	ctx := context.Background()
	db := setupDeletionsDB(t)

	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, local.Put(ctx, "key1", []byte("x"), ""))

	store := &flakyStore{Store: local, failures: 2}
	q := NewDeletionQueue(db, store, slog.Default())
	require.NoError(t, q.EnsureTable(ctx))
	require.NoError(t, q.Enqueue(ctx, "key1"))

	// One store call per sweep: two failing sweeps leave the row
	// queued with its counter advanced, the third drains it.
	require.NoError(t, q.Sweep(ctx))
	require.NoError(t, q.Sweep(ctx))

	rows, err := db.ReadQueryRows(ctx, `SELECT attempts FROM _file_deletions WHERE object_key = ?`, "key1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	attempts, _ := rows[0].Get("attempts")
	require.EqualValues(t, 2, attempts)

	require.NoError(t, q.Sweep(ctx))

	rows, err = db.ReadQueryRows(ctx, `SELECT object_key FROM _file_deletions`)
	require.NoError(t, err)
	require.Empty(t, rows)

	_, _, err = local.Get(ctx, "key1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeletionQueueSweepStopsRetryingExhaustedKey(t *testing.T) {
	ctx := context.Background()
	db := setupDeletionsDB(t)

	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, local.Put(ctx, "key2", []byte("x"), ""))

	store := &flakyStore{Store: local, failures: 1 << 20}
	q := NewDeletionQueue(db, store, slog.Default())
	require.NoError(t, q.EnsureTable(ctx))
	require.NoError(t, q.Enqueue(ctx, "key2"))

	// Each sweep makes one attempt and increments the stored counter;
	// after attemptsLimit sweeps the budget is exhausted.
	for i := 0; i < attemptsLimit; i++ {
		require.NoError(t, q.Sweep(ctx))
	}
	require.EqualValues(t, attemptsLimit, atomic.LoadInt32(&store.calls))

	rows, err := db.ReadQueryRows(ctx, `SELECT attempts FROM _file_deletions WHERE object_key = ?`, "key2")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	attempts, _ := rows[0].Get("attempts")
	require.EqualValues(t, attemptsLimit, attempts)

	callsBefore := atomic.LoadInt32(&store.calls)
	require.NoError(t, q.Sweep(ctx))
	callsAfter := atomic.LoadInt32(&store.calls)

	require.Equal(t, callsBefore, callsAfter, "exhausted key must not be retried past the attempt cap")

	rows, err = db.ReadQueryRows(ctx, `SELECT object_key FROM _file_deletions`)
	require.NoError(t, err)
	require.Len(t, rows, 1, "exhausted row stays queued for inspection, not deleted")
}

func TestDeletionQueueSweepDropsAlreadyGoneObject(t *testing.T) {
	ctx := context.Background()
	db := setupDeletionsDB(t)

	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	q := NewDeletionQueue(db, local, slog.Default())
	require.NoError(t, q.EnsureTable(ctx))
	require.NoError(t, q.Enqueue(ctx, "never-written"))

	require.NoError(t, q.Sweep(ctx))

	rows, err := db.ReadQueryRows(ctx, `SELECT object_key FROM _file_deletions`)
	require.NoError(t, err)
	require.Empty(t, rows, "a not-found object is terminal and drops the row")
}

func TestDeletionQueueEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := setupDeletionsDB(t)
	q := NewDeletionQueue(db, nil, slog.Default())
	require.NoError(t, q.EnsureTable(ctx))

	require.NoError(t, q.Enqueue(ctx, "dup"))
	require.NoError(t, q.Enqueue(ctx, "dup"))

	rows, err := db.ReadQueryRows(ctx, `SELECT object_key FROM _file_deletions`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
