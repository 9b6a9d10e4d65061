// Package dqliteerr defines the internal error taxonomy shared by the
// storage plane (format, vfs, replication, leader, registry, checkpoint)
// and the single translator that maps it onto the result codes the
// surrounding layers expect, per spec.md section 9's request for one
// central translator instead of scattered heuristics.
package dqliteerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a semantic error category, independent of any transport or
// SQLite-specific encoding.
type Kind int

const (
	// ResourceExhausted is an allocation failure.
	ResourceExhausted Kind = iota
	// FormatInvalid is a malformed header, bad page size, or a page-size
	// mismatch between a database and its WAL.
	FormatInvalid
	// IOBoundaryViolation is a read or write at an illegal offset or
	// length for a file's tag.
	IOBoundaryViolation
	// Busy indicates the writer slot, an SHM lock, or a reader lock
	// prevented an operation that the caller should retry.
	Busy
	// NotLeader indicates the replication hook could not submit an entry
	// because this node is not the Raft leader.
	NotLeader
	// ConsensusFailed indicates a submitted Raft entry did not commit
	// (timeout, quorum loss, or a failed apply).
	ConsensusFailed
	// ProtocolViolation indicates a caller violated the connection/slot
	// contract (e.g. two concurrent data requests on one connection).
	ProtocolViolation
	// NotFound indicates an unknown database, statement, or file name.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case ResourceExhausted:
		return "resource exhausted"
	case FormatInvalid:
		return "format invalid"
	case IOBoundaryViolation:
		return "io boundary violation"
	case Busy:
		return "busy"
	case NotLeader:
		return "not leader"
	case ConsensusFailed:
		return "consensus failed"
	case ProtocolViolation:
		return "protocol violation"
	case NotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged error.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string {
	return e.err.Error()
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.err
}

// New builds an Error of the given kind, wrapping a formatted message with
// github.com/pkg/errors so callers retain a stack trace.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, err: errors.New(fmt.Sprintf("%s: %s", kind, fmt.Sprintf(format, args...)))}
}

// Wrap attaches a Kind to an existing error, preserving its message and
// stack via pkg/errors.Wrap.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, err: errors.Wrap(err, fmt.Sprintf("%s: %s", kind, message))}
}

// As reports whether err (or something it wraps) is a *Error, and if so
// returns its Kind.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
