package model

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures for outcome reporting and caller dispatch.
type Kind string

const (
	KindNone              Kind = ""
	KindSourceUnreachable Kind = "SourceUnreachable"
	KindSourceParse       Kind = "SourceParseError"
	KindSourceAuth        Kind = "SourceAuthError"
	KindFilterConfig      Kind = "FilterConfigError"
	KindAuthRequired      Kind = "AuthRequired"
	KindAlreadyRunning    Kind = "AlreadyRunning"
	KindTargetWrite       Kind = "TargetWriteError"
	KindNotFound          Kind = "NotFound"
)

// Error attaches a Kind to an underlying cause so callers can dispatch on
// the failure class while the wrapped chain stays intact for logging.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError returns an Error with the given kind and message.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError returns an Error with the given kind wrapping err.
func WrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of the first Error in err's chain, or KindNone
// when the chain carries no classified error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// IsKind reports whether err's chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
