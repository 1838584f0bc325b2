// Package sqldriver adapts the client layer to database/sql, so Ember
// connections can be used through the standard library surface and the
// libraries built on it.
//
// The engine transport is pluggable: Register takes an Opener that produces
// an engine session per connection, which keeps the adapter usable against
// any session implementation, including enginetest fixtures.
package sqldriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"

	"github.com/emberdb/ember"
	"github.com/emberdb/ember/client"
	"github.com/emberdb/ember/engine"
)

// Opener produces an engine session for a new connection. The dsn is the
// data source name passed to sql.Open.
type Opener func(ctx context.Context, dsn string) (engine.Session, error)

// Register registers an Ember driver under the given name.
func Register(name string, open Opener) {
	sql.Register(name, &Driver{open: open})
}

// Driver implements driver.Driver and driver.DriverContext.
type Driver struct {
	open Opener
}

func (d *Driver) Open(name string) (driver.Conn, error) {
	connector, err := d.OpenConnector(name)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

func (d *Driver) OpenConnector(name string) (driver.Connector, error) {
	return &Connector{driver: d, dsn: name}, nil
}

// Connector implements driver.Connector.
type Connector struct {
	driver *Driver
	dsn    string
}

func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	sess, err := c.driver.open(ctx, c.dsn)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: client.Open(sess)}, nil
}

func (c *Connector) Driver() driver.Driver { return c.driver }

// Conn implements driver.Conn plus the context and queryer extensions.
type Conn struct {
	conn *client.Conn
}

var (
	_ driver.Conn           = (*Conn)(nil)
	_ driver.ConnBeginTx    = (*Conn)(nil)
	_ driver.QueryerContext = (*Conn)(nil)
	_ driver.ExecerContext  = (*Conn)(nil)
	_ driver.Pinger         = (*Conn)(nil)
)

func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	// database/sql has no per-statement keys request; ask for auto keys so
	// LastInsertId can be served when the engine reports them
	stmt, err := c.conn.Prepare(query, client.WithGeneratedKeys(true))
	if err != nil {
		return nil, err
	}
	return &Stmt{stmt: stmt}, nil
}

func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Prepare(query)
}

func (c *Conn) Close() error { return c.conn.Close() }

func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.ReadOnly {
		return nil, fmt.Errorf("%w: read-only transactions", ember.ErrInvalidArgument)
	}
	if sql.IsolationLevel(opts.Isolation) != sql.LevelDefault {
		return nil, fmt.Errorf("%w: isolation level %d", ember.ErrInvalidArgument, opts.Isolation)
	}
	if err := c.conn.SetAutoCommit(false); err != nil {
		return nil, err
	}
	return &Tx{conn: c.conn}, nil
}

func (c *Conn) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.conn.AutoCommit(); err != nil {
		return driver.ErrBadConn
	}
	return nil
}

// QueryContext runs ad-hoc queries through a one-shot prepared statement.
func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	stmt, err := c.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.(*Stmt).queryNamed(args)
	if err != nil {
		stmt.Close()
		return nil, err
	}
	rows.closeStmt = stmt.(*Stmt)
	return rows, nil
}

// ExecContext runs ad-hoc updates through a one-shot prepared statement.
func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	stmt, err := c.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	return stmt.(*Stmt).execNamed(args)
}

// Tx implements driver.Tx. Ending the transaction restores auto-commit.
type Tx struct {
	conn *client.Conn
}

func (tx *Tx) Commit() error {
	if err := tx.conn.Commit(); err != nil {
		return err
	}
	return tx.conn.SetAutoCommit(true)
}

func (tx *Tx) Rollback() error {
	if err := tx.conn.Rollback(); err != nil {
		return err
	}
	return tx.conn.SetAutoCommit(true)
}

// Stmt implements driver.Stmt plus the context extensions.
type Stmt struct {
	stmt *client.Stmt
}

var (
	_ driver.Stmt             = (*Stmt)(nil)
	_ driver.StmtExecContext  = (*Stmt)(nil)
	_ driver.StmtQueryContext = (*Stmt)(nil)
)

func (s *Stmt) Close() error { return s.stmt.Close() }

func (s *Stmt) NumInput() int {
	n, err := s.stmt.ParameterCount()
	if err != nil {
		return -1
	}
	return n
}

func (s *Stmt) bind(args []driver.NamedValue) error {
	for _, arg := range args {
		if arg.Name != "" {
			return fmt.Errorf("%w: named argument %q", ember.ErrInvalidArgument, arg.Name)
		}
		if err := s.stmt.Bind(arg.Ordinal, arg.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.execNamed(positional(args))
}

func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.execNamed(args)
}

func (s *Stmt) execNamed(args []driver.NamedValue) (driver.Result, error) {
	if err := s.bind(args); err != nil {
		return nil, err
	}
	count, err := s.stmt.LargeUpdate()
	if err != nil {
		return nil, err
	}
	res := &Result{rowsAffected: count, lastInsertErr: errors.ErrUnsupported}
	if keys, kerr := s.stmt.GeneratedKeys(); kerr == nil && keys.Next() {
		if id, ok := keys.Row()[0].(int64); ok {
			res.lastInsertID = id
			res.lastInsertErr = nil
		}
		keys.Close()
	}
	return res, nil
}

func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.queryNamed(positional(args))
}

func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.queryNamed(args)
}

func (s *Stmt) queryNamed(args []driver.NamedValue) (*Rows, error) {
	if err := s.bind(args); err != nil {
		return nil, err
	}
	rows, err := s.stmt.Query()
	if err != nil {
		return nil, err
	}
	return &Rows{rows: rows}, nil
}

func positional(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// Rows implements driver.Rows.
type Rows struct {
	rows      *client.Rows
	closeStmt *Stmt // set for one-shot queries, closed with the rows
}

func (r *Rows) Columns() []string { return r.rows.Columns() }

func (r *Rows) Next(dest []driver.Value) error {
	if !r.rows.Next() {
		return io.EOF
	}
	row := r.rows.Row()
	for i := range dest {
		dest[i] = row[i]
	}
	return nil
}

func (r *Rows) Close() error {
	err := r.rows.Close()
	if r.closeStmt != nil {
		if cerr := r.closeStmt.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Result implements driver.Result.
type Result struct {
	rowsAffected  int64
	lastInsertID  int64
	lastInsertErr error
}

func (r *Result) LastInsertId() (int64, error) {
	return r.lastInsertID, r.lastInsertErr
}

func (r *Result) RowsAffected() (int64, error) { return r.rowsAffected, nil }
