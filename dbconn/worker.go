package dbconn

import (
	"context"
	"database/sql"
	"log/slog"
	"runtime"
)

// queueDepth bounds how many not-yet-started jobs may wait behind the
// one currently executing on a worker's connection.
const queueDepth = 256

type job struct {
	ctx    context.Context
	fn     func(conn *sql.Conn) (any, error)
	result chan jobResult
}

type jobResult struct {
	value any
	err   error
}

// worker owns exactly one *sql.Conn and runs jobs off its queue one at
// a time on a single goroutine, so SQLite never sees concurrent use of
// that connection: one dedicated OS thread per SQLite connection.
type worker struct {
	db     *sql.DB
	conn   *sql.Conn
	logger *slog.Logger
	queue  chan job
	quit   chan struct{}
	done   chan struct{}
}

func newWorker(db *sql.DB, conn *sql.Conn, logger *slog.Logger) *worker {
	w := &worker{
		db:     db,
		conn:   conn,
		logger: logger,
		queue:  make(chan job, queueDepth),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case j := <-w.queue:
			// Cancellation: if the caller already gave up before we
			// started, skip the closure entirely.
			if err := j.ctx.Err(); err != nil {
				j.result <- jobResult{err: err}
				continue
			}
			v, err := j.fn(w.conn)
			j.result <- jobResult{value: v, err: err}
		}
	}
}

// submit enqueues fn and blocks until it has run (or been skipped due
// to cancellation) and the result is available. Once a job begins
// executing it always runs to completion - SQLite statement
// interruption is not exposed.
func (w *worker) submit(ctx context.Context, fn func(conn *sql.Conn) (any, error)) (any, error) {
	j := job{ctx: ctx, fn: fn, result: make(chan jobResult, 1)}

	select {
	case w.queue <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, ErrConnectionClosed
	}

	select {
	case r := <-j.result:
		return r.value, r.err
	case <-w.done:
		// The worker shut down before reaching this job; anything
		// still sitting behind it in the queue is abandoned.
		return nil, ErrConnectionClosed
	}
}

func (w *worker) close() error {
	close(w.quit)
	<-w.done
	if err := w.conn.Close(); err != nil {
		return err
	}
	return w.db.Close()
}
