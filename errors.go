// Package ember defines the shared error taxonomy of the Ember client
// driver. The driver itself lives in the client, translate and sqldriver
// packages; this package only holds the types those layers agree on.
package ember

import (
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors for common failure classes.
var (
	// ErrInvalidArgument is returned when a caller passes an out-of-range
	// parameter index, an unknown result-set option, or similar bad input.
	ErrInvalidArgument = errors.New("ember: invalid argument")

	// ErrMalformedEscape is returned when an escape clause, string literal,
	// comment or dollar-quoted block is not terminated or is missing a
	// required token.
	ErrMalformedEscape = errors.New("ember: malformed escape syntax")

	// ErrUnbalancedEscape is returned when the braces of escape clauses do
	// not match up.
	ErrUnbalancedEscape = errors.New("ember: unbalanced escape clause")

	// ErrParameterNotBound is returned when a statement is executed or added
	// to a batch while one of its parameter slots has no value.
	ErrParameterNotBound = errors.New("ember: parameter not bound")

	// ErrStatementClosed is returned on any operation on a closed statement.
	ErrStatementClosed = errors.New("ember: statement is closed")

	// ErrConnectionClosed is returned on any operation on a closed connection.
	ErrConnectionClosed = errors.New("ember: connection is closed")

	// ErrConnectionBroken signals that the underlying session failed in a way
	// that cannot be recovered by the current operation.
	ErrConnectionBroken = errors.New("ember: connection is broken")
)

// SyntaxError reports a lexical problem found while translating SQL text.
// Offset is the byte position in the original text where scanning stopped.
type SyntaxError struct {
	SQL      string
	Offset   int
	Expected string // the missing token, if a specific one was required
	balance  bool   // brace mismatch rather than malformed construct
}

// Error returns the error string.
func (e *SyntaxError) Error() string {
	var b strings.Builder
	b.WriteString("ember: syntax error in ")
	writeMarked(&b, e.SQL, e.Offset)
	if e.Expected != "" {
		fmt.Fprintf(&b, "; expected %q", e.Expected)
	}
	return b.String()
}

// Is reports whether the target matches the sentinel for this error.
// Brace-mismatch errors match ErrUnbalancedEscape, all others
// ErrMalformedEscape.
func (e *SyntaxError) Is(err error) bool {
	if e.balance {
		return err == ErrUnbalancedEscape
	}
	return err == ErrMalformedEscape
}

// writeMarked writes sql with a "[*]" marker in front of the offending
// offset, clamped to the text bounds.
func writeMarked(b *strings.Builder, sql string, offset int) {
	if offset < 0 {
		offset = 0
	}
	if offset > len(sql) {
		offset = len(sql)
	}
	b.WriteString(sql[:offset])
	b.WriteString("[*]")
	b.WriteString(sql[offset:])
}

// NewSyntaxError returns a SyntaxError that matches ErrMalformedEscape.
func NewSyntaxError(sql string, offset int) *SyntaxError {
	return &SyntaxError{SQL: sql, Offset: offset}
}

// NewSyntaxErrorExpected returns a SyntaxError carrying the token that was
// required at the given offset.
func NewSyntaxErrorExpected(sql string, offset int, expected string) *SyntaxError {
	return &SyntaxError{SQL: sql, Offset: offset, Expected: expected}
}

// NewUnbalancedError returns a SyntaxError that matches ErrUnbalancedEscape.
func NewUnbalancedError(sql string, offset int) *SyntaxError {
	return &SyntaxError{SQL: sql, Offset: offset, balance: true}
}

// IsSyntaxError returns true if the error is a SyntaxError.
func IsSyntaxError(err error) bool {
	if err == nil {
		return false
	}
	var e *SyntaxError
	return errors.As(err, &e)
}

// BatchError is returned by batch execution when one or more elements
// failed. UpdateCounts always has one entry per batch element, in insertion
// order; failed elements hold the ExecuteFailed sentinel.
type BatchError struct {
	UpdateCounts []int64
	causes       []error
}

// Error returns the error string.
func (e *BatchError) Error() string {
	return fmt.Sprintf("ember: batch execution failed for %d of %d elements: %v",
		len(e.causes), len(e.UpdateCounts), e.causes[0])
}

// Unwrap returns the per-element causes so that errors.Is and errors.As see
// through to the underlying failures.
func (e *BatchError) Unwrap() []error {
	return e.causes
}

// Causes returns the chained per-element failures in execution order.
func (e *BatchError) Causes() []error {
	return e.causes
}

// NewBatchError returns a BatchError with the full per-element result array
// and the collected causes. It must only be called with at least one cause.
func NewBatchError(updateCounts []int64, causes []error) *BatchError {
	return &BatchError{UpdateCounts: updateCounts, causes: causes}
}

// IsBatchError returns true if the error is a BatchError.
func IsBatchError(err error) bool {
	if err == nil {
		return false
	}
	var e *BatchError
	return errors.As(err, &e)
}
