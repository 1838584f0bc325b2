// Package engine defines the boundary between the client layer and the
// database engine. The client never touches engine internals; it drives a
// Session and the Commands prepared from it through these interfaces.
//
// Implementations live elsewhere: the real engine in the server tree, and a
// scriptable in-memory fake in package enginetest.
package engine

import "log/slog"

// Update count sentinels reported through 32-bit entry points and batch
// results.
const (
	// SuccessNoInfo is reported when an update succeeded but the real row
	// count does not fit the 32-bit surface.
	SuccessNoInfo = -2
	// ExecuteFailed marks a batch element whose execution failed.
	ExecuteFailed = -3
)

// KeysRequest describes which generated keys an update should report back.
//
// Valid shapes:
//
//	nil      - no generated keys
//	true     - engine-chosen (auto) generated keys
//	[]int    - generated keys for the given 1-based column indexes
//	[]string - generated keys for the given column names
type KeysRequest any

// UpdateResult is the outcome of a single update execution. Keys is nil when
// no generated keys were requested.
type UpdateResult struct {
	Count int64
	Keys  Result
}

// Session is a logical connection to the engine. A Session is shared by a
// connection and every statement prepared from it; callers serialize access
// through Lock and Unlock.
type Session interface {
	// PrepareCommand parses SQL text already translated to the native
	// dialect and returns an executable command.
	PrepareCommand(sql string, fetchSize int) (Command, error)

	// Closed reports whether the session has been closed, by either side.
	Closed() bool

	// ReconnectNeeded reports whether the session must be re-established
	// before the next operation. write indicates the pending operation
	// modifies data.
	ReconnectNeeded(write bool) bool

	// Reconnect re-establishes the session and returns the replacement.
	// The receiver must not be used afterwards.
	Reconnect(write bool) (Session, error)

	AutoCommit() bool
	SetAutoCommit(on bool) error

	// HasPendingTransaction reports whether uncommitted work exists.
	HasPendingTransaction() bool

	// Cancel interrupts the currently executing command, if any. It is the
	// only Session method safe to call without holding the lock.
	Cancel()

	Lock()
	Unlock()

	Close() error

	// Trace returns the session's logger. Callers re-fetch it after
	// Reconnect.
	Trace() *slog.Logger
}

// Command is a prepared statement inside the engine.
type Command interface {
	// ExecuteQuery runs the command and returns its result rows. maxRows
	// zero means unlimited. scrollable requests a result that can be
	// re-read; forward-only results may be produced lazily.
	ExecuteQuery(maxRows int, scrollable bool) (Result, error)

	// ExecuteUpdate runs the command and returns the affected row count,
	// plus generated keys when requested.
	ExecuteUpdate(keys KeysRequest) (UpdateResult, error)

	// Parameters returns the command's parameter slots in order. The slice
	// is stable for the lifetime of the command.
	Parameters() []Parameter

	// IsQuery reports whether the command produces a result set.
	IsQuery() bool

	// Stop releases server-side resources of the current execution without
	// closing the command.
	Stop()

	Close() error
}

// Result is a set of rows produced by a query or a generated-keys request.
type Result interface {
	Next() bool
	CurrentRow() []any
	Columns() []string

	// Lazy reports whether rows are still being produced while the result
	// is read. A lazy result keeps its command executing until closed.
	Lazy() bool

	Close() error
}

// Parameter is a single bindable slot of a prepared command. Setting a nil
// value binds SQL NULL; Reset returns the slot to unbound.
type Parameter interface {
	SetValue(v any)
	Value() any
	IsSet() bool
	Reset()
}
