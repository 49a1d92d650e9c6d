package device

import (
	"errors"
	"fmt"

	"github.com/jbweber/sma/internal/target"
)

// ErrorKind classifies a failure.
type ErrorKind string

const (
	KindInvalidParams        ErrorKind = "InvalidParams"
	KindUnsupportedTransport ErrorKind = "UnsupportedTransport"
	KindNotFound             ErrorKind = "NotFound"
	KindInvalidState         ErrorKind = "InvalidState"
	KindDeviceBusy           ErrorKind = "DeviceBusy"
	KindCapacityExceeded     ErrorKind = "CapacityExceeded"
	KindBackendFailure       ErrorKind = "BackendFailure"
	KindUnreachable          ErrorKind = "Unreachable"
	KindDirtyState           ErrorKind = "DirtyState"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrInvalidParams        = &Error{Kind: KindInvalidParams}
	ErrUnsupportedTransport = &Error{Kind: KindUnsupportedTransport}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInvalidState         = &Error{Kind: KindInvalidState}
	ErrDeviceBusy           = &Error{Kind: KindDeviceBusy}
	ErrCapacityExceeded     = &Error{Kind: KindCapacityExceeded}
	ErrBackendFailure       = &Error{Kind: KindBackendFailure}
	ErrUnreachable          = &Error{Kind: KindUnreachable}
	ErrDirtyState           = &Error{Kind: KindDirtyState}
)

// Error is a classified failure with the context needed to act on it.
type Error struct {
	Kind      ErrorKind
	Op        string // operation attempted, e.g. "create"
	Transport Kind
	Handle    string
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Transport != "" {
		msg += " [" + string(e.Transport)
		if e.Handle != "" {
			msg += " " + e.Handle
		}
		msg += "]"
	} else if e.Handle != "" {
		msg += " [" + e.Handle + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Handle == "" && t.Err == nil
}

// Errorf builds an *Error of the given kind from a format string.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain. Errors from
// the target client are classified; anything else is a BackendFailure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if target.IsUnreachable(err) {
		return KindUnreachable
	}
	return KindBackendFailure
}

// FromTarget classifies an error returned by the target client.
func FromTarget(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if target.IsUnreachable(err) {
		return &Error{Kind: KindUnreachable, Err: err}
	}
	return &Error{Kind: KindBackendFailure, Err: err}
}

// Annotate attaches operation context to err, classifying it first if it is
// not already an *Error. Existing context is never overwritten.
func Annotate(err error, op string, transport Kind, handle string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = FromTarget(err).(*Error)
	} else {
		cp := *e
		e = &cp
	}
	if e.Op == "" {
		e.Op = op
	}
	if e.Transport == "" {
		e.Transport = transport
	}
	if e.Handle == "" {
		e.Handle = handle
	}
	return e
}
