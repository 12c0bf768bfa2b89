// Package fault defines the error taxonomy shared by the orchestrator and its callers.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers should react to it.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindAuthLost
	KindNotFound
	KindTransient
	KindFatal
	KindNotWaiting
	KindUnknownDownload
	KindNotTerminal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindAuthLost:
		return "AuthLost"
	case KindNotFound:
		return "NotFound"
	case KindTransient:
		return "TransientError"
	case KindFatal:
		return "Fatal"
	case KindNotWaiting:
		return "NotWaiting"
	case KindUnknownDownload:
		return "UnknownDownload"
	case KindNotTerminal:
		return "NotTerminal"
	default:
		return "Unknown"
	}
}

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrInvalidInput    = &Error{Kind: KindInvalidInput}
	ErrAuthLost        = &Error{Kind: KindAuthLost}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrTransient       = &Error{Kind: KindTransient}
	ErrFatal           = &Error{Kind: KindFatal}
	ErrNotWaiting      = &Error{Kind: KindNotWaiting}
	ErrUnknownDownload = &Error{Kind: KindUnknownDownload}
	ErrNotTerminal     = &Error{Kind: KindNotTerminal}
)

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so that wrapped errors compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth retrying locally.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
