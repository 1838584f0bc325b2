// Package enginetest provides a scriptable in-memory implementation of the
// engine boundary interfaces, for driver tests and the replay shell.
//
// Responses are scripted per SQL text and consumed in order; the last
// scripted response for a statement is replayed when its queue runs dry.
// Unscripted statements succeed with an empty default, so maintenance
// traffic such as COMMIT does not need to be scripted in every test.
package enginetest

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/emberdb/ember/engine"
	"github.com/emberdb/ember/translate"
)

// Session is a fake engine session. It implements engine.Session. All state
// toggles are safe for concurrent use; the cooperative Lock/Unlock pair is a
// weighted semaphore, so lock and unlock may happen on different goroutines.
type Session struct {
	sem *semaphore.Weighted

	mu             sync.Mutex
	scripts        *scriptStore
	log            *slog.Logger
	closed         bool
	autoCommit     bool
	pending        bool
	reconnectRead  bool
	reconnectWrite bool
	cancelCount    int
	reconnectCount int
	executed       []string
}

// scriptStore is shared between a session and its reconnect replacements,
// so scripts written before a forced reconnect keep working after it.
type scriptStore struct {
	mu        sync.Mutex
	responses map[string][]*response
}

type response struct {
	// exactly one of rows / update / err drives the outcome
	cols   []string
	rows   [][]any
	isRows bool
	lazy   bool

	count    int64
	keysCols []string
	keysRows [][]any

	err error
}

// Option configures a new session.
type Option func(*Session)

// WithLogger sets the logger returned by Trace.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithAutoCommit sets the initial auto-commit mode. Sessions default to
// auto-commit on.
func WithAutoCommit(on bool) Option {
	return func(s *Session) { s.autoCommit = on }
}

// NewSession returns a fake session with an empty script.
func NewSession(opts ...Option) *Session {
	s := &Session{
		sem:        semaphore.NewWeighted(1),
		scripts:    &scriptStore{responses: make(map[string][]*response)},
		log:        slog.New(slog.DiscardHandler),
		autoCommit: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScriptRows queues a result set for the given SQL text.
func (s *Session) ScriptRows(sql string, cols []string, rows ...[]any) {
	s.scripts.push(sql, &response{isRows: true, cols: cols, rows: rows})
}

// ScriptLazyRows queues a lazily-streamed result set for the given SQL text.
// Lazy streaming only applies to forward-only executions; a scrollable
// execution materializes the same rows eagerly.
func (s *Session) ScriptLazyRows(sql string, cols []string, rows ...[]any) {
	s.scripts.push(sql, &response{isRows: true, lazy: true, cols: cols, rows: rows})
}

// ScriptUpdate queues an update count for the given SQL text.
func (s *Session) ScriptUpdate(sql string, count int64) {
	s.scripts.push(sql, &response{count: count})
}

// ScriptUpdateKeys queues an update count with generated keys for the given
// SQL text. The keys are only reported when the execution requests them.
func (s *Session) ScriptUpdateKeys(sql string, count int64, keyCols []string, keyRows ...[]any) {
	s.scripts.push(sql, &response{count: count, keysCols: keyCols, keysRows: keyRows})
}

// ScriptFail queues a failure for the given SQL text.
func (s *Session) ScriptFail(sql string, err error) {
	s.scripts.push(sql, &response{err: err})
}

func (st *scriptStore) push(sql string, r *response) {
	st.mu.Lock()
	st.responses[sql] = append(st.responses[sql], r)
	st.mu.Unlock()
}

// pop consumes the next response for sql. The last response is replayed
// when the queue is down to one. Unscripted sql yields nil.
func (st *scriptStore) pop(sql string) *response {
	st.mu.Lock()
	defer st.mu.Unlock()
	q := st.responses[sql]
	if len(q) == 0 {
		return nil
	}
	r := q[0]
	if len(q) > 1 {
		st.responses[sql] = q[1:]
	}
	return r
}

func (st *scriptStore) peek(sql string) *response {
	st.mu.Lock()
	defer st.mu.Unlock()
	q := st.responses[sql]
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// Executed returns the SQL texts executed on this session, in order.
func (s *Session) Executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

// CancelCount returns how many times Cancel was called.
func (s *Session) CancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCount
}

// ReconnectCount returns how many times this session chain reconnected.
func (s *Session) ReconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectCount
}

// SetReconnectNeeded arranges for the next ReconnectNeeded check to report
// true; forWrite limits the signal to write operations.
func (s *Session) SetReconnectNeeded(forWrite bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectWrite = true
	if !forWrite {
		s.reconnectRead = true
	}
}

// SetPendingTransaction forces the pending-transaction flag, overriding the
// bookkeeping the fake derives from executed updates.
func (s *Session) SetPendingTransaction(pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = pending
}

// engine.Session implementation

func (s *Session) PrepareCommand(sql string, fetchSize int) (engine.Command, error) {
	_ = fetchSize
	n := translate.CountParams(sql)
	params := make([]engine.Parameter, n)
	for i := range params {
		params[i] = &Param{}
	}
	return &Command{sess: s, sql: sql, params: params}, nil
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) ReconnectNeeded(write bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if write {
		return s.reconnectWrite
	}
	return s.reconnectRead
}

// Reconnect closes this session and returns a replacement sharing the same
// scripts.
func (s *Session) Reconnect(write bool) (engine.Session, error) {
	s.mu.Lock()
	s.closed = true
	s.reconnectRead = false
	s.reconnectWrite = false
	next := &Session{
		sem:            semaphore.NewWeighted(1),
		scripts:        s.scripts,
		log:            s.log,
		autoCommit:     s.autoCommit,
		reconnectCount: s.reconnectCount + 1,
	}
	s.mu.Unlock()
	return next, nil
}

func (s *Session) AutoCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoCommit
}

func (s *Session) SetAutoCommit(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoCommit = on
	return nil
}

func (s *Session) HasPendingTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCount++
}

func (s *Session) Lock() {
	// context.Background: the cooperative lock has no cancellation point
	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		panic("enginetest: lock acquire: " + err.Error())
	}
}

func (s *Session) Unlock() { s.sem.Release(1) }

// TryLock acquires the cooperative lock without blocking. Tests use it to
// assert the lock was released on every exit path.
func (s *Session) TryLock() bool { return s.sem.TryAcquire(1) }

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) Trace() *slog.Logger { return s.log }

// record tracks an execution and maintains the derived pending-transaction
// flag.
func (s *Session) record(sql string, isUpdate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, sql)
	upper := strings.ToUpper(strings.TrimSpace(sql))
	switch {
	case upper == "COMMIT" || upper == "ROLLBACK":
		s.pending = false
	case isUpdate && !s.autoCommit:
		s.pending = true
	}
}

// Param is a fake parameter slot.
type Param struct {
	v   any
	set bool
}

func (p *Param) SetValue(v any) { p.v = v; p.set = true }

func (p *Param) Value() any { return p.v }

func (p *Param) IsSet() bool { return p.set }

func (p *Param) Reset() { p.v = nil; p.set = false }

// Command is a fake prepared command.
type Command struct {
	sess    *Session
	sql     string
	params  []engine.Parameter
	closed  bool
	stopped int
}

func (c *Command) ExecuteQuery(maxRows int, scrollable bool) (engine.Result, error) {
	c.sess.record(c.sql, false)
	r := c.sess.scripts.pop(c.sql)
	if r == nil {
		return &Result{}, nil
	}
	if r.err != nil {
		return nil, r.err
	}
	rows := r.rows
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	return &Result{cols: r.cols, rows: rows, lazy: r.lazy && !scrollable}, nil
}

func (c *Command) ExecuteUpdate(keys engine.KeysRequest) (engine.UpdateResult, error) {
	c.sess.record(c.sql, true)
	r := c.sess.scripts.pop(c.sql)
	if r == nil {
		return engine.UpdateResult{}, nil
	}
	if r.err != nil {
		return engine.UpdateResult{}, r.err
	}
	ur := engine.UpdateResult{Count: r.count}
	if keys != nil && r.keysCols != nil {
		ur.Keys = &Result{cols: r.keysCols, rows: r.keysRows}
	}
	return ur, nil
}

func (c *Command) Parameters() []engine.Parameter { return c.params }

// IsQuery peeks at the next scripted response; with no script it falls back
// to sniffing the statement text.
func (c *Command) IsQuery() bool {
	if r := c.sess.scripts.peek(c.sql); r != nil {
		return r.isRows
	}
	upper := strings.ToUpper(strings.TrimSpace(c.sql))
	return strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "CALL")
}

func (c *Command) Stop() { c.stopped++ }

// StopCount returns how many times the command's execution was stopped.
func (c *Command) StopCount() int { return c.stopped }

// IsClosed reports whether Close was called.
func (c *Command) IsClosed() bool { return c.closed }

func (c *Command) Close() error {
	c.closed = true
	return nil
}

// Result is a fake result set.
type Result struct {
	cols   []string
	rows   [][]any
	pos    int
	lazy   bool
	closed bool
}

func (r *Result) Next() bool {
	if r.closed || r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *Result) CurrentRow() []any {
	if r.pos == 0 || r.pos > len(r.rows) {
		return nil
	}
	return r.rows[r.pos-1]
}

func (r *Result) Columns() []string { return r.cols }

func (r *Result) Lazy() bool { return r.lazy }

func (r *Result) Close() error {
	r.closed = true
	return nil
}
