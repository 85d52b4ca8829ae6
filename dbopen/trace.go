package dbopen

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/planset/kit"
)

// WithTrace logs every statement through logger: Debug normally, Warn when
// it takes longer than slow, Error when it fails. Request and job ids are
// taken from the statement context. PRAGMA polling is skipped unless slow
// or failed.
func WithTrace(logger *slog.Logger, slow time.Duration) Option {
	return func(c *config) {
		if logger == nil {
			logger = slog.Default()
		}
		if slow <= 0 {
			slow = 100 * time.Millisecond
		}
		c.trace = &tracer{logger: logger, slow: slow}
	}
}

type tracer struct {
	logger *slog.Logger
	slow   time.Duration
}

// openTraced reopens db's driver behind a connector that wraps every
// connection it hands out.
func openTraced(db *sql.DB, name string, t *tracer) *sql.DB {
	drv := db.Driver()
	db.Close()
	return sql.OpenDB(&tracingConnector{drv: drv, name: name, t: t})
}

type tracingConnector struct {
	drv  driver.Driver
	name string
	t    *tracer
}

func (c *tracingConnector) Connect(ctx context.Context) (driver.Conn, error) {
	var (
		conn driver.Conn
		err  error
	)
	if dc, ok := c.drv.(driver.DriverContext); ok {
		var inner driver.Connector
		if inner, err = dc.OpenConnector(c.name); err != nil {
			return nil, err
		}
		conn, err = inner.Connect(ctx)
	} else {
		conn, err = c.drv.Open(c.name)
	}
	if err != nil {
		return nil, err
	}
	return &tracingConn{Conn: conn, t: c.t}, nil
}

func (c *tracingConnector) Driver() driver.Driver { return c.drv }

type tracingConn struct {
	driver.Conn
	t *tracer
}

func (c *tracingConn) Prepare(query string) (driver.Stmt, error) {
	stmt, err := c.Conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &tracingStmt{Stmt: stmt, query: query, t: c.t}, nil
}

func (c *tracingConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	pc, ok := c.Conn.(driver.ConnPrepareContext)
	if !ok {
		return c.Prepare(query)
	}
	stmt, err := pc.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return &tracingStmt{Stmt: stmt, query: query, t: c.t}, nil
}

func (c *tracingConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bt, ok := c.Conn.(driver.ConnBeginTx); ok {
		return bt.BeginTx(ctx, opts)
	}
	return c.Conn.Begin() //nolint:staticcheck
}

func (c *tracingConn) ResetSession(ctx context.Context) error {
	if rs, ok := c.Conn.(driver.SessionResetter); ok {
		return rs.ResetSession(ctx)
	}
	return nil
}

type tracingStmt struct {
	driver.Stmt
	query string
	t     *tracer
}

func (s *tracingStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	var (
		res driver.Result
		err error
	)
	if ec, ok := s.Stmt.(driver.StmtExecContext); ok {
		res, err = ec.ExecContext(ctx, args)
	} else {
		res, err = s.Stmt.Exec(values(args)) //nolint:staticcheck
	}
	s.t.record(ctx, "exec", s.query, time.Since(start), err)
	return res, err
}

func (s *tracingStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	var (
		rows driver.Rows
		err  error
	)
	if qc, ok := s.Stmt.(driver.StmtQueryContext); ok {
		rows, err = qc.QueryContext(ctx, args)
	} else {
		rows, err = s.Stmt.Query(values(args)) //nolint:staticcheck
	}
	s.t.record(ctx, "query", s.query, time.Since(start), err)
	return rows, err
}

func (t *tracer) record(ctx context.Context, op, query string, d time.Duration, err error) {
	if err == nil && d < t.slow && strings.HasPrefix(query, "PRAGMA ") {
		return
	}
	level := slog.LevelDebug
	switch {
	case err != nil:
		level = slog.LevelError
	case d >= t.slow:
		level = slog.LevelWarn
	}
	if !t.logger.Enabled(ctx, level) {
		return
	}
	attrs := []slog.Attr{
		slog.String("component", "sql"),
		slog.String("op", op),
		slog.String("query", compact(query)),
		slog.Duration("duration", d),
	}
	if id := kit.GetRequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if id := kit.GetJobID(ctx); id != "" {
		attrs = append(attrs, slog.String("job_id", id))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	t.logger.LogAttrs(ctx, level, "sql", attrs...)
}

// compact folds schema-style multi-line statements onto one line.
func compact(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func values(named []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(named))
	for i, nv := range named {
		out[i] = nv.Value
	}
	return out
}
