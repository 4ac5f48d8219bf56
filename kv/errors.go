// Package kv implements an in-memory, transactional, multidimensional
// index engine: named indexes whose keys are ordered tuples of typed
// attributes, mapped to opaque byte payloads, with ACID semantics and
// deadlock detection.
package kv

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode is the public error taxonomy every Engine operation reports
// through. It is a direct, complete port of the ErrorCode enum from the
// contest interface this package implements: every member is carried
// over, none renamed away from its conceptual meaning.
type ErrorCode int

const (
	// Ok indicates the operation completed successfully. Operations never
	// actually return an *Error with this code; it exists so ErrorCode
	// values can be compared/printed uniformly.
	Ok ErrorCode = iota
	// TransactionAborted means commit found the transaction unusable
	// (for instance, deadlock-aborted); its changes have been rolled back.
	TransactionAborted
	// OutOfMemory means an allocation failed; the operation is a no-op.
	OutOfMemory
	// Deadlock means the current operation was chosen as the deadlock
	// victim; its transaction has been fully rolled back before return.
	Deadlock
	// IndexExists means CreateIndex saw a name already in use.
	IndexExists
	// UnknownIndex means the named or handle-referenced index does not
	// exist, or has already been closed.
	UnknownIndex
	// IteratorClosed means the iterator has been closed, or never opened.
	IteratorClosed
	// NotFound means the requested record could not be located. GetNext
	// also uses this code to signal iterator exhaustion.
	NotFound
	// TransactionClosed means the transaction handle is already committed
	// or aborted.
	TransactionClosed
	// IncompatibleKey means the provided key does not match the index's
	// schema.
	IncompatibleKey
	// OpenTransactions means DeleteIndex refused because the index has
	// unresolved write transactions.
	OpenTransactions
	// GenericFailure is the catch-all for unclassifiable failures.
	GenericFailure
)

func (c ErrorCode) String() string {
	switch c {
	case Ok:
		return "Ok"
	case TransactionAborted:
		return "TransactionAborted"
	case OutOfMemory:
		return "OutOfMemory"
	case Deadlock:
		return "Deadlock"
	case IndexExists:
		return "IndexExists"
	case UnknownIndex:
		return "UnknownIndex"
	case IteratorClosed:
		return "IteratorClosed"
	case NotFound:
		return "NotFound"
	case TransactionClosed:
		return "TransactionClosed"
	case IncompatibleKey:
		return "IncompatibleKey"
	case OpenTransactions:
		return "OpenTransactions"
	case GenericFailure:
		return "GenericFailure"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// Error is the error type returned across the Operation Layer boundary.
// It carries a public ErrorCode plus an internal cause (wrapped with
// github.com/pkg/errors to retain a stack trace for logs), available
// through Cause() and appended to the Error() message.
type Error struct {
	Code  ErrorCode
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.cause)
	}
	return e.Code.String()
}

// Cause returns the wrapped internal error, if any, for diagnostic
// logging. Callers should branch on Code, not on Cause.
func (e *Error) Cause() error { return e.cause }

// Is allows errors.Is(err, kv.NotFound) style checks against a bare
// ErrorCode without constructing an *Error.
func (e *Error) Is(target error) bool {
	code, ok := target.(ErrorCode)
	return ok && e.Code == code
}

// Error implements error for ErrorCode itself so errors.Is(err, kv.NotFound)
// reads naturally at call sites.
func (c ErrorCode) Error() string { return c.String() }

func newErr(code ErrorCode, cause error) *Error {
	return &Error{Code: code, cause: cause}
}

func wrapf(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	if cause == nil {
		// errors.Wrapf(nil, ...) returns nil, which would silently drop
		// the formatted message; build the cause from the message
		// itself so the two-layer diagnostic (public code, internal
		// cause with a stack trace) still holds when there's no
		// underlying error to wrap.
		return &Error{Code: code, cause: errors.Errorf(format, args...)}
	}
	return &Error{Code: code, cause: errors.Wrapf(cause, format, args...)}
}

// CodeOf extracts the ErrorCode from err, defaulting to GenericFailure
// for any error not produced by this package.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Ok
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return GenericFailure
}
