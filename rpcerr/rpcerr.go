// Package rpcerr defines the error taxonomy shared by both ends of a stub connection.
//
// Every error that crosses a package boundary in stubrpc is (or wraps) an *Error with one of
// five kinds. Callers classify errors with errors.Is against the sentinels:
//
//	if errors.Is(err, rpcerr.ErrConnection) { ... }
//
// Loop-level faults (Connection, Protocol) are reported through ExceptionOccurred-style
// callbacks; Remote and Canceled are the terminal outcome of one specific call.
package rpcerr

import (
	"context"
	"errors"
	"strings"
)

// Kind classifies an error.
type Kind uint8

const (
	KindUnknown    Kind = iota
	KindConnection      // setup, timeout, or transport fault
	KindProtocol        // malformed message, unknown handle, unmatched correlation id
	KindRemote          // callee exception wrapped for transit
	KindCanceled        // the call was canceled
	KindLifecycle       // worker spawn/stop/kill failure
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindRemote:
		return "remote"
	case KindCanceled:
		return "canceled"
	case KindLifecycle:
		return "lifecycle"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String. Unrecognized names map to KindUnknown.
func ParseKind(s string) Kind {
	switch s {
	case "connection":
		return KindConnection
	case "protocol":
		return KindProtocol
	case "remote":
		return KindRemote
	case "canceled":
		return KindCanceled
	case "lifecycle":
		return KindLifecycle
	default:
		return KindUnknown
	}
}

// Error is the concrete error type of the taxonomy.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "dial", "run_method"
	Message string
	Stack   string // remote stack text, only set for KindRemote
	Err     error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrConnection = &Error{Kind: KindConnection}
	ErrProtocol   = &Error{Kind: KindProtocol}
	ErrRemote     = &Error{Kind: KindRemote}
	ErrCanceled   = &Error{Kind: KindCanceled}
	ErrLifecycle  = &Error{Kind: KindLifecycle}
)

// ErrHandleNotFound is returned when a message references a handle the receiving side does not own.
var ErrHandleNotFound = Protocol("dispatch", "handle not found")

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" [")
		b.WriteString(e.Op)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel (or another *Error) of the same kind.
// A target with a Message additionally requires the message to match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Connection(op string, err error) error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

func Protocol(op, message string) error {
	return &Error{Kind: KindProtocol, Op: op, Message: message}
}

// Remote wraps an exception raised on the callee side.
func Remote(message, stack string) error {
	return &Error{Kind: KindRemote, Op: "invoke", Message: message, Stack: stack}
}

// Canceled wraps a cancellation cause, usually ctx.Err().
func Canceled(op string, err error) error {
	if err == nil {
		err = context.Canceled
	}
	return &Error{Kind: KindCanceled, Op: op, Err: err}
}

func Lifecycle(op string, err error) error {
	return &Error{Kind: KindLifecycle, Op: op, Err: err}
}

// FromContext converts a context error into the taxonomy. A nil error stays nil.
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	return Canceled(op, err)
}
