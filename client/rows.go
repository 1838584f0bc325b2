package client

import (
	"fmt"
	"strings"

	"github.com/emberdb/ember"
	"github.com/emberdb/ember/engine"
)

// Rows wraps an engine result for row-by-row reading. A Rows produced by a
// lazily-streaming execution keeps its command executing, and cancellable,
// until it is closed.
type Rows struct {
	stmt   *Stmt // nil for detached results such as generated keys
	cmd    engine.Command
	result engine.Result
	lazy   bool
	closed bool
}

// Columns returns the result's column labels in order.
func (r *Rows) Columns() []string {
	return r.result.Columns()
}

// Next advances to the next row. It returns false when the result is
// exhausted or closed.
func (r *Rows) Next() bool {
	if r.closed {
		return false
	}
	return r.result.Next()
}

// Row returns the current row's values. Valid after a call to Next that
// returned true; the engine may reuse the slice on the next advance.
func (r *Rows) Row() []any {
	return r.result.CurrentRow()
}

// Value returns the current row's value in the given 1-based column.
func (r *Rows) Value(column int) (any, error) {
	row := r.result.CurrentRow()
	if row == nil {
		return nil, fmt.Errorf("%w: no current row", ember.ErrInvalidArgument)
	}
	if column < 1 || column > len(row) {
		return nil, fmt.Errorf("%w: column %d out of range 1..%d",
			ember.ErrInvalidArgument, column, len(row))
	}
	return row[column-1], nil
}

// ColumnIndex returns the 1-based index of the column with the given label,
// matched case-insensitively. The lookup map is cached on the owning
// statement, so it survives result replacements of the same statement.
func (r *Rows) ColumnIndex(label string) (int, error) {
	var cache map[string]int
	if r.stmt != nil {
		cache = r.stmt.columnIndex
	}
	if cache == nil {
		cols := r.result.Columns()
		cache = make(map[string]int, len(cols))
		for i, col := range cols {
			key := strings.ToUpper(col)
			if _, dup := cache[key]; !dup {
				cache[key] = i + 1
			}
		}
		if r.stmt != nil {
			r.stmt.columnIndex = cache
		}
	}
	idx, ok := cache[strings.ToUpper(label)]
	if !ok {
		return 0, fmt.Errorf("%w: column %q not found", ember.ErrInvalidArgument, label)
	}
	return idx, nil
}

// Lazy reports whether the result is still being produced by an executing
// command.
func (r *Rows) Lazy() bool { return r.lazy }

// Close releases the result. Closing a lazily-streamed result also clears
// the executing-command marker and stops the command, ending the window in
// which the execution can be cancelled. Close is idempotent.
func (r *Rows) Close() error {
	if r.closed {
		return nil
	}
	if r.stmt != nil {
		r.stmt.conn.session.Lock()
		defer r.stmt.conn.session.Unlock()
	}
	r.closeLocked()
	return nil
}

// closeLocked closes the underlying result and runs the lazy bookkeeping.
// Called with the session lock held when the rows belong to a statement.
func (r *Rows) closeLocked() {
	if r.closed {
		return
	}
	r.closed = true
	r.result.Close()
	if r.lazy && r.stmt != nil && r.cmd != nil {
		r.stmt.onLazyClose(r.cmd)
	}
}
