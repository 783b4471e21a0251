// Package vterrors defines the typed error kinds that cross the wire as
// ERROR frames and the HTTP surface's error bodies.
package vterrors

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. Kinds are stable and map 1:1 onto
// the numeric ERROR frame codes assigned in internal/frame.
type Kind int

const (
	Unknown Kind = iota
	BadFrame
	FrameTooLarge
	UnknownType
	Unauthorized
	SessionNotFound
	SessionGone
	SpawnFailed
	PtyIO
	CastIO
	SlowConsumer
	ResourceExhausted
)

func (k Kind) String() string {
	switch k {
	case BadFrame:
		return "BAD_FRAME"
	case FrameTooLarge:
		return "FRAME_TOO_LARGE"
	case UnknownType:
		return "UNKNOWN_TYPE"
	case Unauthorized:
		return "UNAUTHORIZED"
	case SessionNotFound:
		return "SESSION_NOT_FOUND"
	case SessionGone:
		return "SESSION_GONE"
	case SpawnFailed:
		return "SPAWN_FAILED"
	case PtyIO:
		return "PTY_IO"
	case CastIO:
		return "CAST_IO"
	case SlowConsumer:
		return "SLOW_CONSUMER"
	case ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// Error is a typed error carrying the operation that failed and an
// optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed error for op with no wrapped cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds a typed error for op wrapping err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, or Unknown if err is not (or does
// not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
