package files

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilndb/recordapi/dbconn"
)

// attemptsLimit bounds how many sweeps may try one object deletion
// before the row is left in the table for manual inspection. Each
// sweep makes exactly one store call per key, so the durable attempts
// counter is the whole retry budget.
const attemptsLimit = 10

// sweepConcurrency bounds how many blob deletions a single Sweep runs
// at once: the object store handles concurrent calls fine, but an
// unbounded fan-out over a large backlog could still saturate it or
// the store's own connection pool.
const sweepConcurrency = 8

// DeletionQueue durably records object keys a row no longer
// references - a file column overwritten or a row deleted - and
// retires them from the Store on a background sweep. Writing the
// pending deletion to `_file_deletions` inside the same transaction
// as the row change means a crash between "stopped referencing" and
// "blob removed" always leaves a recoverable trail instead of an
// orphaned blob or a double-delete.
type DeletionQueue struct {
	db     *dbconn.Manager
	store  Store
	logger *slog.Logger
}

func NewDeletionQueue(db *dbconn.Manager, store Store, logger *slog.Logger) *DeletionQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeletionQueue{db: db, store: store, logger: logger}
}

// EnsureTable creates the `_file_deletions` durable queue table.
func (q *DeletionQueue) EnsureTable(ctx context.Context) error {
	_, err := q.db.Execute(ctx, `
		CREATE TABLE IF NOT EXISTS _file_deletions (
			object_key TEXT PRIMARY KEY,
			attempts   INTEGER NOT NULL DEFAULT 0,
			queued_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)`)
	return err
}

// Enqueue records key as pending deletion. Call this from inside the
// same transaction that stops referencing key.
func (q *DeletionQueue) Enqueue(ctx context.Context, key string) error {
	_, err := q.db.Execute(ctx,
		`INSERT INTO _file_deletions (object_key) VALUES (?) ON CONFLICT(object_key) DO NOTHING`, key)
	return err
}

// EnqueueTx is Enqueue's same statement issued directly against an
// open *sql.Tx rather than dispatched through the connection manager.
// The query builders call this from inside a writer-thread closure
// that already holds the transaction the row change is committing
// in - routing back through Manager.Execute there would resubmit a
// job to the very worker that is currently blocked running this one.
func EnqueueTx(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO _file_deletions (object_key) VALUES (?) ON CONFLICT(object_key) DO NOTHING`, key)
	return err
}

// Sweep processes every pending deletion once: one store call per
// key per sweep, with the attempts counter incremented on failure. A
// key that deletes successfully, or whose backing object is already
// gone, is removed from the queue. A key whose stored attempts
// counter has reached attemptsLimit is excluded from the query
// entirely, so an exhausted row stops being retried on every tick
// forever and stays visible for inspection.
func (q *DeletionQueue) Sweep(ctx context.Context) error {
	rows, err := q.db.ReadQueryRows(ctx, `SELECT object_key FROM _file_deletions WHERE attempts < ?`, attemptsLimit)
	if err != nil {
		return fmt.Errorf("files: list pending deletions: %w", err)
	}

	// Each key blocks on one store call; running the backlog through a
	// bounded errgroup lets independent blobs (a failing store call
	// shouldn't stall the rest of the queue) drain in parallel without
	// letting a large backlog pile up concurrent store calls without
	// limit.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	for _, row := range rows {
		raw, _ := row.Get("object_key")
		key, _ := raw.(string)
		if key == "" {
			continue
		}
		g.Go(func() error {
			q.sweepOne(gctx, key)
			return nil
		})
	}
	return g.Wait()
}

// sweepOne makes a single key's deletion attempt for this sweep;
// errors are logged and the key's attempt counter incremented rather
// than propagated, so one stubborn blob never aborts the rest of the
// sweep and the stored counter stays an exact count of store calls.
func (q *DeletionQueue) sweepOne(ctx context.Context, key string) {
	if err := q.store.Delete(ctx, key); err != nil && err != ErrNotFound {
		q.logger.Warn("files: deletion attempt failed, leaving queued", "key", key, "err", err)
		if _, incErr := q.db.Execute(ctx, `UPDATE _file_deletions SET attempts = attempts + 1 WHERE object_key = ?`, key); incErr != nil {
			q.logger.Error("files: failed to record deletion attempt", "key", key, "err", incErr)
		}
		return
	}

	if _, err := q.db.Execute(ctx, `DELETE FROM _file_deletions WHERE object_key = ?`, key); err != nil {
		q.logger.Error("files: failed to dequeue completed deletion", "key", key, "err", err)
	}
}

// Run loops Sweep on interval until ctx is cancelled - the background
// sweeper goroutine started alongside the HTTP server.
func (q *DeletionQueue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Sweep(ctx); err != nil {
				q.logger.Error("files: sweep failed", "err", err)
			}
		}
	}
}
