// Package client implements the client-facing layer of the Ember driver:
// connections, prepared statements, batches and result wrappers on top of
// the engine boundary interfaces.
//
// A Conn owns one engine session. Statements prepared from the connection
// share that session and serialize access to it through the session's
// cooperative lock. Statements are not safe for unsynchronized concurrent
// use; callers serialize at the granularity of bind, execute and consume as
// one logical unit.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/emberdb/ember"
	"github.com/emberdb/ember/engine"
	"github.com/emberdb/ember/translate"
)

// defaultFetchSize is the row prefetch hint passed to the engine when the
// caller did not choose one.
const defaultFetchSize = 100

// Conn is an open connection to the engine. It tracks the reconnect-needed
// condition surfaced by the session and re-establishes the session
// transparently on the next operation.
//
// The zero value is not usable; obtain a Conn from Open.
type Conn struct {
	session engine.Session
	log     *slog.Logger
	id      string
	closed  bool

	// lazily prepared maintenance commands, closed and nulled on
	// reconnect and on close
	commit          engine.Command
	rollback        engine.Command
	getLockMode     engine.Command
	setLockMode     engine.Command
	getQueryTimeout engine.Command
	setQueryTimeout engine.Command

	savepointID int

	// command published while an execute call is in flight, so Cancel can
	// target it; kept alive by a lazy result until the result is closed
	executing engine.Command
}

// Open wraps an engine session in a connection. The connection takes
// ownership of the session; closing the connection closes the session.
func Open(session engine.Session) *Conn {
	c := &Conn{
		session: session,
		id:      uuid.NewString(),
	}
	c.log = session.Trace().With("conn", c.id)
	registerConn(c)
	c.log.Debug("connection opened")
	return c
}

// ID returns the connection's identifier, used in log records.
func (c *Conn) ID() string { return c.id }

// Log returns the connection's logger.
func (c *Conn) Log() *slog.Logger { return c.log }

// Prepare translates the SQL text and prepares it as a statement. The
// returned statement stays bound to the session it was prepared on: it does
// not migrate when the connection reconnects, but re-prepares itself on its
// next use.
func (c *Conn) Prepare(sql string, opts ...Option) (*Stmt, error) {
	if _, err := c.checkClosed(false); err != nil {
		return nil, err
	}
	cfg := defaultStmtConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	translated, err := translate.Statement(sql)
	if err != nil {
		return nil, err
	}
	c.log.Debug("prepare", "sql", translated)
	c.session.Lock()
	defer c.session.Unlock()
	cmd, err := c.session.PrepareCommand(translated, cfg.fetchSize)
	if err != nil {
		return nil, err
	}
	return newStmt(c, translated, cmd, cfg), nil
}

// AutoCommit reports whether the session commits after every statement.
func (c *Conn) AutoCommit() (bool, error) {
	if _, err := c.checkClosed(false); err != nil {
		return false, err
	}
	return c.session.AutoCommit(), nil
}

// SetAutoCommit switches auto-commit mode. Enabling it while a transaction
// is pending commits the transaction first.
func (c *Conn) SetAutoCommit(on bool) error {
	if _, err := c.checkClosed(false); err != nil {
		return err
	}
	if on && !c.session.AutoCommit() {
		if err := c.Commit(); err != nil {
			return err
		}
	}
	return c.session.SetAutoCommit(on)
}

// Commit makes all changes of the current transaction permanent.
func (c *Conn) Commit() error {
	if _, err := c.checkClosed(true); err != nil {
		return err
	}
	c.log.Debug("commit")
	c.session.Lock()
	defer c.session.Unlock()
	cmd, err := c.prepareCommand("COMMIT", c.commit)
	if err != nil {
		return err
	}
	c.commit = cmd
	_, err = cmd.ExecuteUpdate(nil)
	return err
}

// Rollback discards all changes of the current transaction.
func (c *Conn) Rollback() error {
	if _, err := c.checkClosed(false); err != nil {
		return err
	}
	c.log.Debug("rollback")
	c.session.Lock()
	defer c.session.Unlock()
	return c.rollbackLocked()
}

func (c *Conn) rollbackLocked() error {
	cmd, err := c.prepareCommand("ROLLBACK", c.rollback)
	if err != nil {
		return err
	}
	c.rollback = cmd
	_, err = cmd.ExecuteUpdate(nil)
	return err
}

// LockMode returns the engine's current lock mode.
func (c *Conn) LockMode() (int, error) {
	if _, err := c.checkClosed(false); err != nil {
		return 0, err
	}
	c.session.Lock()
	defer c.session.Unlock()
	cmd, err := c.prepareCommand("CALL LOCK_MODE()", c.getLockMode)
	if err != nil {
		return 0, err
	}
	c.getLockMode = cmd
	return c.querySingleInt(cmd)
}

// SetLockMode changes the engine's lock mode.
func (c *Conn) SetLockMode(mode int) error {
	if _, err := c.checkClosed(false); err != nil {
		return err
	}
	c.session.Lock()
	defer c.session.Unlock()
	cmd, err := c.prepareCommand("SET LOCK_MODE ?", c.setLockMode)
	if err != nil {
		return err
	}
	c.setLockMode = cmd
	cmd.Parameters()[0].SetValue(int64(mode))
	_, err = cmd.ExecuteUpdate(nil)
	return err
}

// QueryTimeout returns the statement timeout in seconds, zero meaning no
// timeout. The value lives in the engine; this layer enforces no timeouts of
// its own.
func (c *Conn) QueryTimeout() (int, error) {
	if _, err := c.checkClosed(false); err != nil {
		return 0, err
	}
	c.session.Lock()
	defer c.session.Unlock()
	cmd, err := c.prepareCommand("CALL QUERY_TIMEOUT()", c.getQueryTimeout)
	if err != nil {
		return 0, err
	}
	c.getQueryTimeout = cmd
	return c.querySingleInt(cmd)
}

// SetQueryTimeout pushes a statement timeout in seconds to the engine. Zero
// disables the timeout.
func (c *Conn) SetQueryTimeout(seconds int) error {
	if seconds < 0 {
		return fmt.Errorf("%w: negative query timeout %d", ember.ErrInvalidArgument, seconds)
	}
	if _, err := c.checkClosed(false); err != nil {
		return err
	}
	c.session.Lock()
	defer c.session.Unlock()
	cmd, err := c.prepareCommand("SET QUERY_TIMEOUT ?", c.setQueryTimeout)
	if err != nil {
		return err
	}
	c.setQueryTimeout = cmd
	cmd.Parameters()[0].SetValue(int64(seconds))
	_, err = cmd.ExecuteUpdate(nil)
	return err
}

// querySingleInt runs a maintenance query returning a single row with a
// single numeric column.
func (c *Conn) querySingleInt(cmd engine.Command) (int, error) {
	res, err := cmd.ExecuteQuery(1, false)
	if err != nil {
		return 0, err
	}
	defer res.Close()
	if !res.Next() {
		return 0, fmt.Errorf("%w: empty maintenance result", ember.ErrInvalidArgument)
	}
	switch v := res.CurrentRow()[0].(type) {
	case int64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("%w: unexpected maintenance value %T", ember.ErrInvalidArgument, v)
	}
}

// Savepoint sets an unnamed savepoint with a generated name.
func (c *Conn) Savepoint() (*Savepoint, error) {
	if _, err := c.checkClosed(true); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("EMBER_SAVEPOINT_%d", c.savepointID)
	c.savepointID++
	return c.setSavepoint(name)
}

// SavepointNamed sets a savepoint with the given name.
func (c *Conn) SavepointNamed(name string) (*Savepoint, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty savepoint name", ember.ErrInvalidArgument)
	}
	if _, err := c.checkClosed(true); err != nil {
		return nil, err
	}
	return c.setSavepoint(name)
}

func (c *Conn) setSavepoint(name string) (*Savepoint, error) {
	if err := c.execStatement("SAVEPOINT " + quoteIdentifier(name)); err != nil {
		return nil, err
	}
	return &Savepoint{conn: c, name: name}, nil
}

// Savepoint is a point within the current transaction that can be rolled
// back to or released.
type Savepoint struct {
	conn *Conn
	name string
}

// Name returns the savepoint's name.
func (s *Savepoint) Name() string { return s.name }

// Release removes the savepoint. The savepoint is invalid afterwards.
func (s *Savepoint) Release() error {
	if s.conn == nil {
		return fmt.Errorf("%w: savepoint already released", ember.ErrInvalidArgument)
	}
	err := s.conn.execStatement("RELEASE SAVEPOINT " + quoteIdentifier(s.name))
	s.conn = nil
	return err
}

// Rollback undoes all changes made after the savepoint was set. The
// savepoint stays valid.
func (s *Savepoint) Rollback() error {
	if s.conn == nil {
		return fmt.Errorf("%w: savepoint already released", ember.ErrInvalidArgument)
	}
	if _, err := s.conn.checkClosed(true); err != nil {
		return err
	}
	return s.conn.execStatement("ROLLBACK TO SAVEPOINT " + quoteIdentifier(s.name))
}

// execStatement prepares, runs and closes a one-shot statement.
func (c *Conn) execStatement(sql string) error {
	c.log.Debug("execute", "sql", sql)
	c.session.Lock()
	defer c.session.Unlock()
	cmd, err := c.session.PrepareCommand(sql, defaultFetchSize)
	if err != nil {
		return err
	}
	defer cmd.Close()
	_, err = cmd.ExecuteUpdate(nil)
	return err
}

// Clone returns a derived connection sharing this connection's session. The
// clone has its own maintenance commands and identifier. Derived connections
// must not operate on the session concurrently with the original beyond the
// serialization the session lock provides.
func (c *Conn) Clone() (*Conn, error) {
	if _, err := c.checkClosed(false); err != nil {
		return nil, err
	}
	d := &Conn{
		session: c.session,
		id:      uuid.NewString(),
	}
	d.log = c.session.Trace().With("conn", d.id)
	registerConn(d)
	d.log.Debug("connection cloned", "from", c.id)
	return d, nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool { return c.closed }

// Close rolls back pending work and closes the session. If the session
// signalled that it needs a reconnect, the rollback is skipped: rolling back
// over a re-established session is not meaningful. A rollback that fails
// because the connection broke is ignored; the close still proceeds. Close
// is terminal and idempotent.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	unregisterConn(c)
	c.log.Debug("connection closed")
	c.session.Cancel()
	c.session.Lock()
	defer c.session.Unlock()
	if !c.session.Closed() {
		if c.session.HasPendingTransaction() &&
			!c.session.ReconnectNeeded(false) &&
			!c.session.ReconnectNeeded(true) {
			if err := c.rollbackLocked(); err != nil && !isBroken(err) {
				c.closePreparedCommands()
				c.session.Close()
				return err
			}
		}
		c.closePreparedCommands()
	}
	return c.session.Close()
}

func isBroken(err error) bool {
	return errors.Is(err, ember.ErrConnectionBroken)
}

// checkClosed verifies the connection is usable before an operation. write
// indicates the pending operation modifies data. When the session reports
// that it must be re-established, all maintenance commands are discarded,
// the session reconnects, and the logger is re-fetched from the replacement
// session. It reports whether a reconnect happened, so statements can
// re-prepare their own commands.
func (c *Conn) checkClosed(write bool) (bool, error) {
	if c.closed {
		return false, ember.ErrConnectionClosed
	}
	if c.session.Closed() {
		return false, ember.ErrConnectionClosed
	}
	if !c.session.ReconnectNeeded(write) {
		return false, nil
	}
	c.log.Debug("reconnect", "write", write)
	c.session.Lock()
	c.closePreparedCommands()
	c.session.Unlock()
	s, err := c.session.Reconnect(write)
	if err != nil {
		return false, err
	}
	c.session = s
	c.log = s.Trace().With("conn", c.id)
	return true, nil
}

// closePreparedCommands closes and nulls all cached maintenance commands.
// Called with the session lock held.
func (c *Conn) closePreparedCommands() {
	for _, cmd := range []*engine.Command{
		&c.commit, &c.rollback,
		&c.getLockMode, &c.setLockMode,
		&c.getQueryTimeout, &c.setQueryTimeout,
	} {
		if *cmd != nil {
			(*cmd).Close()
			*cmd = nil
		}
	}
}

// prepareCommand returns old when it is still usable, otherwise prepares the
// SQL as a new command. Maintenance commands are cached this way and
// re-prepared after a reconnect nulled them. Called with the session lock
// held.
func (c *Conn) prepareCommand(sql string, old engine.Command) (engine.Command, error) {
	if old != nil {
		return old, nil
	}
	return c.session.PrepareCommand(sql, defaultFetchSize)
}

// setExecuting publishes the command an execute call is about to run, so an
// external cancel request can target it. A lazy result keeps the command
// published until the result is closed.
func (c *Conn) setExecuting(cmd engine.Command) {
	c.executing = cmd
}

// Cancel interrupts the command currently executing on this connection, if
// any. Safe to call from another goroutine.
func (c *Conn) Cancel() {
	c.session.Cancel()
}

// quoteIdentifier quotes a savepoint or column name for embedding in SQL
// text, doubling embedded quote characters.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
