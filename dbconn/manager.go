package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"
)

// ErrConnectionClosed is returned by every public method once Close
// has completed.
var ErrConnectionClosed = errors.New("dbconn: connection manager is closed")

// Options configures a Manager. Readers defaults to
// min(4, runtime.NumCPU()), clamped to at least 2 when Persistent is
// set (an in-memory database only ever has one meaningful connection).
type Options struct {
	Readers    int
	Persistent bool
	Logger     *slog.Logger

	// ExtensionLibPath/ExtensionEntrypoint optionally load a native
	// SQLite extension (geoip/jsonschema/sqlite-vec/sqlean) on every
	// connection; see installFunctions' doc comment for why Go-side
	// registration alone can't reach SQLITE_INNOCUOUS.
	ExtensionLibPath    string
	ExtensionEntrypoint string
}

func (o Options) readerCount() int {
	if o.Readers > 0 {
		return o.Readers
	}
	n := runtime.NumCPU()
	if n > 4 {
		n = 4
	}
	if o.Persistent && n < 2 {
		n = 2
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Manager owns one writer connection and a fixed pool of reader
// connections for a single SQLite database file.
type Manager struct {
	path   string
	logger *slog.Logger

	writer  *worker
	readers []*worker
	rrIndex atomic.Uint64

	mu       sync.RWMutex
	attached map[string]string

	closed atomic.Bool
}

// Make opens (creating if absent) the database at path, applies the
// fixed PRAGMA set to every connection, and starts the writer and
// reader worker goroutines.
func Make(ctx context.Context, path string, opts Options) (*Manager, error) {
	registerDriver()

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dsn := path
	writerDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("dbconn: open writer: %w", err)
	}
	writerDB.SetMaxOpenConns(1)
	writerDB.SetMaxIdleConns(1)

	m := &Manager{
		path:     path,
		logger:   opts.Logger,
		attached: make(map[string]string),
	}

	writerConn, err := writerDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("dbconn: acquire writer conn: %w", err)
	}
	if err := applyPragmas(ctx, writerConn, opts); err != nil {
		return nil, err
	}
	m.writer = newWorker(writerDB, writerConn, opts.Logger.With("role", "writer"))

	n := opts.readerCount()
	for i := 0; i < n; i++ {
		readerDB, err := sql.Open(driverName, dsn+"?mode=ro")
		if err != nil {
			return nil, fmt.Errorf("dbconn: open reader %d: %w", i, err)
		}
		readerDB.SetMaxOpenConns(1)
		readerDB.SetMaxIdleConns(1)

		readerConn, err := readerDB.Conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("dbconn: acquire reader %d conn: %w", i, err)
		}
		if err := applyPragmas(ctx, readerConn, opts); err != nil {
			return nil, err
		}
		m.readers = append(m.readers, newWorker(readerDB, readerConn, opts.Logger.With("role", "reader", "index", i)))
	}

	opts.Logger.Info("connection manager started", "path", path, "readers", n)
	return m, nil
}

func applyPragmas(ctx context.Context, conn *sql.Conn, opts Options) error {
	stmts := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA trusted_schema = OFF",
		"PRAGMA journal_size_limit = 67108864",
		"PRAGMA cache_size = -16000",
		"PRAGMA busy_timeout = 10000",
	}
	for _, s := range stmts {
		if _, err := conn.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("dbconn: pragma %q: %w", s, err)
		}
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("dbconn: pragma optimize: %w", err)
	}
	if opts.ExtensionLibPath != "" {
		if err := conn.Raw(func(driverConn any) error {
			sc, ok := driverConn.(*sqlite3.SQLiteConn)
			if !ok {
				return nil
			}
			return loadExtension(sc, opts.ExtensionLibPath, opts.ExtensionEntrypoint)
		}); err != nil {
			return fmt.Errorf("dbconn: load extension: %w", err)
		}
	}
	return nil
}

// pickReader returns the next reader worker round-robin.
func (m *Manager) pickReader() *worker {
	if len(m.readers) == 0 {
		return m.writer
	}
	i := m.rrIndex.Add(1) % uint64(len(m.readers))
	return m.readers[i]
}

// Row is a materialized database row: the worker drains *sql.Rows
// fully before handing results back, since a dedicated connection
// moves on to its next queued job as soon as the current one returns.
type Row struct {
	Columns []string
	Values  []any
}

// Get looks up a column by name in a materialized Row.
func (r Row) Get(name string) (any, bool) {
	for i, c := range r.Columns {
		if c == name {
			return r.Values[i], true
		}
	}
	return nil, false
}

func (m *Manager) checkOpen() error {
	if m.closed.Load() {
		return ErrConnectionClosed
	}
	return nil
}

// ReadQueryRows dispatches query to any reader and returns every row.
func (m *Manager) ReadQueryRows(ctx context.Context, query string, args ...any) ([]Row, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	v, err := m.pickReader().submit(ctx, func(conn *sql.Conn) (any, error) {
		return queryAll(ctx, conn, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Row), nil
}

// ReadQueryRow dispatches query to any reader and returns the first
// row, or sql.ErrNoRows if the query produced none.
func (m *Manager) ReadQueryRow(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := m.ReadQueryRows(ctx, query, args...)
	if err != nil {
		return Row{}, err
	}
	if len(rows) == 0 {
		return Row{}, sql.ErrNoRows
	}
	return rows[0], nil
}

// ReadQueryValue dispatches query to any reader and scans the single
// resulting column/row into dest.
func ReadQueryValue[T any](ctx context.Context, m *Manager, query string, args ...any) (T, error) {
	var zero T
	if err := m.checkOpen(); err != nil {
		return zero, err
	}
	v, err := m.pickReader().submit(ctx, func(conn *sql.Conn) (any, error) {
		var dest T
		if err := conn.QueryRowContext(ctx, query, args...).Scan(&dest); err != nil {
			return nil, err
		}
		return dest, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// Execute runs a statement on the writer and returns sql.Result.
func (m *Manager) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	v, err := m.writer.submit(ctx, func(conn *sql.Conn) (any, error) {
		return conn.ExecContext(ctx, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return v.(sql.Result), nil
}

// WriteQueryRows runs a statement with a RETURNING clause (or any
// query) on the writer and returns every row.
func (m *Manager) WriteQueryRows(ctx context.Context, query string, args ...any) ([]Row, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	v, err := m.writer.submit(ctx, func(conn *sql.Conn) (any, error) {
		return queryAll(ctx, conn, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Row), nil
}

// WriteQueryValue runs query on the writer and scans a single value.
func WriteQueryValue[T any](ctx context.Context, m *Manager, query string, args ...any) (T, error) {
	var zero T
	if err := m.checkOpen(); err != nil {
		return zero, err
	}
	v, err := m.writer.submit(ctx, func(conn *sql.Conn) (any, error) {
		var dest T
		if err := conn.QueryRowContext(ctx, query, args...).Scan(&dest); err != nil {
			return nil, err
		}
		return dest, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// Call is the general escape hatch: fn runs on the writer's dedicated
// connection and may freely issue BEGIN/COMMIT/ROLLBACK. Used by the
// Transaction Executor to compose several record operations into one
// SQLite transaction.
func (m *Manager) Call(ctx context.Context, fn func(conn *sql.Conn) (any, error)) (any, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.writer.submit(ctx, fn)
}

// Attach attaches a secondary database file under name, giving it its
// own migration history.
func (m *Manager) Attach(ctx context.Context, path, name string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attached[name]; ok {
		return fmt.Errorf("dbconn: database %q already attached", name)
	}

	stmt := fmt.Sprintf("ATTACH DATABASE %s AS %s", quoteSQLiteString(path), quoteIdent(name))
	if _, err := m.Execute(ctx, stmt); err != nil {
		return fmt.Errorf("dbconn: attach %s: %w", name, err)
	}
	for _, r := range m.readers {
		if _, err := r.submit(ctx, func(conn *sql.Conn) (any, error) {
			return conn.ExecContext(ctx, stmt)
		}); err != nil {
			return fmt.Errorf("dbconn: attach %s on reader: %w", name, err)
		}
	}
	m.attached[name] = path
	return nil
}

// Close stops every worker goroutine gracefully: queued-but-unstarted
// jobs are drained with ErrConnectionClosed, in-flight jobs run to
// completion.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, r := range m.readers {
		if err := r.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.writer.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func queryAll(ctx context.Context, conn *sql.Conn, query string, args ...any) ([]Row, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		scanDest := make([]any, len(cols))
		scanPtrs := make([]any, len(cols))
		for i := range scanDest {
			scanPtrs[i] = &scanDest[i]
		}
		if err := rows.Scan(scanPtrs...); err != nil {
			return nil, err
		}
		out = append(out, Row{Columns: append([]string(nil), cols...), Values: scanDest})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteSQLiteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
