package client

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/emberdb/ember"
	"github.com/emberdb/ember/engine"
)

// ResultSetType selects how a statement's results can be read.
type ResultSetType int

const (
	// ForwardOnly results are read once, front to back. The engine may
	// produce them lazily while the caller reads.
	ForwardOnly ResultSetType = iota
	// Scrollable results are fully materialized and can be re-read.
	Scrollable
)

// Concurrency selects whether a result set may be updated in place.
type Concurrency int

const (
	ReadOnly Concurrency = iota
	Updatable
)

// Holdability selects whether results survive a commit.
type Holdability int

const (
	CloseCursorsAtCommit Holdability = iota + 1
	HoldCursorsOverCommit
)

type stmtConfig struct {
	resultSetType ResultSetType
	concurrency   Concurrency
	holdability   Holdability
	fetchSize     int
	maxRows       int
	keys          engine.KeysRequest
}

func defaultStmtConfig() stmtConfig {
	return stmtConfig{
		resultSetType: ForwardOnly,
		concurrency:   ReadOnly,
		holdability:   CloseCursorsAtCommit,
		fetchSize:     defaultFetchSize,
	}
}

func (cfg *stmtConfig) validate() error {
	switch cfg.resultSetType {
	case ForwardOnly, Scrollable:
	default:
		return fmt.Errorf("%w: result set type %d", ember.ErrInvalidArgument, cfg.resultSetType)
	}
	switch cfg.concurrency {
	case ReadOnly, Updatable:
	default:
		return fmt.Errorf("%w: concurrency %d", ember.ErrInvalidArgument, cfg.concurrency)
	}
	switch cfg.holdability {
	case CloseCursorsAtCommit, HoldCursorsOverCommit:
	default:
		return fmt.Errorf("%w: holdability %d", ember.ErrInvalidArgument, cfg.holdability)
	}
	if cfg.fetchSize < 0 {
		return fmt.Errorf("%w: negative fetch size %d", ember.ErrInvalidArgument, cfg.fetchSize)
	}
	if cfg.maxRows < 0 {
		return fmt.Errorf("%w: negative max rows %d", ember.ErrInvalidArgument, cfg.maxRows)
	}
	switch cfg.keys.(type) {
	case nil, bool, []int, []string:
	default:
		return fmt.Errorf("%w: generated keys request %T", ember.ErrInvalidArgument, cfg.keys)
	}
	return nil
}

// Option configures a statement at prepare time.
type Option func(*stmtConfig)

// WithResultSetType selects forward-only or scrollable results.
func WithResultSetType(t ResultSetType) Option {
	return func(cfg *stmtConfig) { cfg.resultSetType = t }
}

// WithConcurrency selects read-only or updatable results.
func WithConcurrency(c Concurrency) Option {
	return func(cfg *stmtConfig) { cfg.concurrency = c }
}

// WithHoldability selects whether results survive a commit.
func WithHoldability(h Holdability) Option {
	return func(cfg *stmtConfig) { cfg.holdability = h }
}

// WithFetchSize sets the row prefetch hint passed to the engine.
func WithFetchSize(n int) Option {
	return func(cfg *stmtConfig) { cfg.fetchSize = n }
}

// WithMaxRows limits the number of rows a query returns. Zero means
// unlimited.
func WithMaxRows(n int) Option {
	return func(cfg *stmtConfig) { cfg.maxRows = n }
}

// WithGeneratedKeys requests generated keys from updates run by the
// statement. Accepted shapes: true for engine-chosen keys, []int for
// 1-based column indexes, []string for column names.
func WithGeneratedKeys(req engine.KeysRequest) Option {
	return func(cfg *stmtConfig) { cfg.keys = req }
}

// Stmt is a prepared statement. It owns one engine command and replaces its
// results exactly once per execution: each execute path first closes the
// previous result set and generated-keys result.
//
// A statement prepared before a reconnect stays bound to the old session; it
// re-prepares its command transparently on the next execution.
type Stmt struct {
	conn *Conn
	sql  string // translated text, used to re-prepare after reconnect
	cfg  stmtConfig

	command engine.Command
	closed  bool

	result      *Rows
	keysResult  engine.Result
	updateCount int64
	cancelled   atomic.Bool

	batch [][]any

	// column label lookup cache, shared across result replacements
	columnIndex map[string]int
}

func newStmt(c *Conn, sql string, cmd engine.Command, cfg stmtConfig) *Stmt {
	return &Stmt{
		conn:        c,
		sql:         sql,
		cfg:         cfg,
		command:     cmd,
		updateCount: -1,
	}
}

// SQL returns the translated statement text.
func (s *Stmt) SQL() string { return s.sql }

func (s *Stmt) checkOpen(write bool) error {
	if s.closed {
		return ember.ErrStatementClosed
	}
	reconnected, err := s.conn.checkClosed(write)
	if err != nil {
		return err
	}
	if reconnected {
		s.conn.session.Lock()
		cmd, err := s.conn.session.PrepareCommand(s.sql, s.cfg.fetchSize)
		s.conn.session.Unlock()
		if err != nil {
			return err
		}
		s.command = cmd
	}
	return nil
}

// Bind sets the parameter at the given 1-based index.
func (s *Stmt) Bind(index int, v any) error {
	if s.closed {
		return ember.ErrStatementClosed
	}
	params := s.command.Parameters()
	if index < 1 || index > len(params) {
		return fmt.Errorf("%w: parameter index %d out of range 1..%d",
			ember.ErrInvalidArgument, index, len(params))
	}
	params[index-1].SetValue(v)
	return nil
}

// BindNull sets the parameter at the given 1-based index to NULL.
func (s *Stmt) BindNull(index int) error { return s.Bind(index, nil) }

func (s *Stmt) BindString(index int, v string) error { return s.Bind(index, v) }

func (s *Stmt) BindInt64(index int, v int64) error { return s.Bind(index, v) }

func (s *Stmt) BindBool(index int, v bool) error { return s.Bind(index, v) }

func (s *Stmt) BindFloat64(index int, v float64) error { return s.Bind(index, v) }

func (s *Stmt) BindTime(index int, v time.Time) error { return s.Bind(index, v) }

func (s *Stmt) BindBytes(index int, v []byte) error { return s.Bind(index, v) }

// BindDecimal sets an exact numeric parameter.
func (s *Stmt) BindDecimal(index int, v decimal.Decimal) error { return s.Bind(index, v) }

// ClearParameters unsets all parameters.
func (s *Stmt) ClearParameters() error {
	if s.closed {
		return ember.ErrStatementClosed
	}
	for _, p := range s.command.Parameters() {
		p.Reset()
	}
	return nil
}

// ParameterCount returns the number of parameter slots.
func (s *Stmt) ParameterCount() (int, error) {
	if s.closed {
		return 0, ember.ErrStatementClosed
	}
	return len(s.command.Parameters()), nil
}

// Query executes the statement and returns its rows.
func (s *Stmt) Query() (*Rows, error) {
	if err := s.checkOpen(false); err != nil {
		return nil, err
	}
	s.conn.log.Debug("query", "sql", s.sql)
	s.conn.session.Lock()
	defer s.conn.session.Unlock()
	s.closeOldResultsLocked()
	s.conn.setExecuting(s.command)
	res, err := s.command.ExecuteQuery(s.cfg.maxRows, s.cfg.resultSetType == Scrollable)
	if err != nil {
		s.conn.setExecuting(nil)
		return nil, err
	}
	lazy := res.Lazy()
	if !lazy {
		s.conn.setExecuting(nil)
	}
	rows := &Rows{stmt: s, cmd: s.command, result: res, lazy: lazy}
	s.result = rows
	return rows, nil
}

// Update executes the statement and returns the affected row count through
// the 32-bit surface: a count that does not fit reports
// engine.SuccessNoInfo.
func (s *Stmt) Update() (int, error) {
	count, err := s.LargeUpdate()
	if err != nil {
		return 0, err
	}
	return clampCount(count), nil
}

// LargeUpdate executes the statement and returns the affected row count.
func (s *Stmt) LargeUpdate() (int64, error) {
	if err := s.checkOpen(true); err != nil {
		return 0, err
	}
	s.conn.log.Debug("update", "sql", s.sql)
	s.conn.session.Lock()
	defer s.conn.session.Unlock()
	return s.executeUpdateLocked()
}

func (s *Stmt) executeUpdateLocked() (int64, error) {
	s.closeOldResultsLocked()
	s.conn.setExecuting(s.command)
	defer s.conn.setExecuting(nil)
	ur, err := s.command.ExecuteUpdate(s.cfg.keys)
	if err != nil {
		return 0, err
	}
	s.updateCount = ur.Count
	s.keysResult = ur.Keys
	return ur.Count, nil
}

// Execute runs the statement whichever kind it is. It reports true when the
// statement produced a result set, retrievable with Result; false when it
// produced an update count, retrievable with UpdateCount.
func (s *Stmt) Execute() (bool, error) {
	if s.closed {
		return false, ember.ErrStatementClosed
	}
	if s.command.IsQuery() {
		_, err := s.Query()
		return err == nil, err
	}
	_, err := s.LargeUpdate()
	return false, err
}

// Result returns the rows of the last execution, or nil when the last
// execution produced an update count.
func (s *Stmt) Result() *Rows { return s.result }

// UpdateCount returns the update count of the last execution through the
// 32-bit surface, -1 when the last execution produced a result set.
func (s *Stmt) UpdateCount() int {
	if s.updateCount < 0 {
		return -1
	}
	return clampCount(s.updateCount)
}

// LargeUpdateCount returns the update count of the last execution, -1 when
// the last execution produced a result set.
func (s *Stmt) LargeUpdateCount() int64 { return s.updateCount }

// AddBatch snapshots the current parameter bindings as one batch element.
// Every parameter must be bound.
func (s *Stmt) AddBatch() error {
	if s.closed {
		return ember.ErrStatementClosed
	}
	params := s.command.Parameters()
	snap := make([]any, len(params))
	for i, p := range params {
		if !p.IsSet() {
			return fmt.Errorf("%w: parameter %d", ember.ErrParameterNotBound, i+1)
		}
		snap[i] = p.Value()
	}
	s.batch = append(s.batch, snap)
	return nil
}

// ClearBatch discards all accumulated batch elements.
func (s *Stmt) ClearBatch() error {
	if s.closed {
		return ember.ErrStatementClosed
	}
	s.batch = nil
	return nil
}

// ExecuteBatch runs all accumulated elements in order and returns their
// update counts through the 32-bit surface. See ExecuteLargeBatch.
func (s *Stmt) ExecuteBatch() ([]int, error) {
	large, err := s.ExecuteLargeBatch()
	counts := make([]int, len(large))
	for i, n := range large {
		if n == engine.ExecuteFailed {
			counts[i] = engine.ExecuteFailed
		} else {
			counts[i] = clampCount(n)
		}
	}
	return counts, err
}

// ExecuteLargeBatch runs all accumulated elements in order, one engine
// execution per element. A failing element does not stop the batch: its slot
// in the returned counts carries engine.ExecuteFailed and the remaining
// elements still run. Generated-key fragments are merged in execution order
// and retrievable with GeneratedKeys. The accumulator is cleared whatever
// the outcome. When any element failed, the returned error is a
// *ember.BatchError carrying the full counts array and the causes.
func (s *Stmt) ExecuteLargeBatch() ([]int64, error) {
	if err := s.checkOpen(true); err != nil {
		return nil, err
	}
	batch := s.batch
	s.batch = nil
	if len(batch) == 0 {
		return []int64{}, nil
	}
	s.conn.log.Debug("batch", "sql", s.sql, "size", len(batch))
	s.conn.session.Lock()
	defer s.conn.session.Unlock()
	s.closeOldResultsLocked()
	counts := make([]int64, len(batch))
	var causes []error
	merged := &mergedResult{}
	params := s.command.Parameters()
	for i, snap := range batch {
		for j, v := range snap {
			params[j].SetValue(v)
		}
		s.conn.setExecuting(s.command)
		ur, err := s.command.ExecuteUpdate(s.cfg.keys)
		s.conn.setExecuting(nil)
		if err != nil {
			counts[i] = engine.ExecuteFailed
			causes = append(causes, fmt.Errorf("batch element %d: %w", i, err))
			continue
		}
		counts[i] = ur.Count
		if ur.Keys != nil {
			merged.absorb(ur.Keys)
		}
	}
	s.updateCount = -1
	if len(merged.cols) > 0 {
		s.keysResult = merged
	}
	if causes != nil {
		return counts, ember.NewBatchError(counts, causes)
	}
	return counts, nil
}

// GeneratedKeys returns the keys produced by the last update or batch. After
// a batch it returns the merged fragments of all elements in execution
// order. When no keys were requested or produced, the rows are empty.
func (s *Stmt) GeneratedKeys() (*Rows, error) {
	if s.closed {
		return nil, ember.ErrStatementClosed
	}
	res := s.keysResult
	if res == nil {
		res = &mergedResult{}
	}
	return &Rows{result: res}, nil
}

// Cancel interrupts the statement's in-flight execution, if any. Safe to
// call from another goroutine while the statement executes.
func (s *Stmt) Cancel() {
	s.cancelled.Store(true)
	s.conn.Cancel()
}

// Cancelled reports whether Cancel was called since the last execution
// started.
func (s *Stmt) Cancelled() bool { return s.cancelled.Load() }

// Close closes the statement's results and its engine command. Closed
// statements reject all operations with ErrStatementClosed. Close is
// idempotent.
func (s *Stmt) Close() error {
	if s.closed {
		return nil
	}
	s.conn.session.Lock()
	defer s.conn.session.Unlock()
	s.closeOldResultsLocked()
	s.closed = true
	return s.command.Close()
}

// closeOldResultsLocked closes the previous result set and generated-keys
// result and resets the execution state, so every execute path replaces its
// results exactly once. Called with the session lock held.
func (s *Stmt) closeOldResultsLocked() {
	if s.result != nil {
		s.result.closeLocked()
		s.result = nil
	}
	if s.keysResult != nil {
		s.keysResult.Close()
		s.keysResult = nil
	}
	s.updateCount = -1
	s.cancelled.Store(false)
}

// onLazyClose runs when a lazily-streamed result is closed: the executing
// marker published for the result's command is cleared only now, so
// cancellation stays possible while rows are being pulled. Called with the
// session lock held.
func (s *Stmt) onLazyClose(cmd engine.Command) {
	s.conn.setExecuting(nil)
	cmd.Stop()
	if s.closed {
		cmd.Close()
	}
}

func clampCount(n int64) int {
	if n > math.MaxInt32 {
		return engine.SuccessNoInfo
	}
	return int(n)
}

// mergedResult concatenates generated-key fragments from the elements of a
// batch into one readable result, preserving execution order. Fragments are
// drained and closed as they are absorbed.
type mergedResult struct {
	cols []string
	rows [][]any
	pos  int
}

func (m *mergedResult) absorb(res engine.Result) {
	if len(m.cols) == 0 {
		m.cols = res.Columns()
	}
	for res.Next() {
		row := res.CurrentRow()
		copied := make([]any, len(row))
		copy(copied, row)
		m.rows = append(m.rows, copied)
	}
	res.Close()
}

func (m *mergedResult) Next() bool {
	if m.pos >= len(m.rows) {
		return false
	}
	m.pos++
	return true
}

func (m *mergedResult) CurrentRow() []any {
	if m.pos == 0 || m.pos > len(m.rows) {
		return nil
	}
	return m.rows[m.pos-1]
}

func (m *mergedResult) Columns() []string { return m.cols }

func (m *mergedResult) Lazy() bool { return false }

func (m *mergedResult) Close() error { return nil }
