package engine

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies engine errors for callers and transports.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindDependency Kind = "dependency"
	KindTimeout    Kind = "timeout"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrDependency = errors.New("dependency failure")
	ErrTimeout    = errors.New("timeout")
)

var sentinels = map[Kind]error{
	KindValidation: ErrValidation,
	KindNotFound:   ErrNotFound,
	KindConflict:   ErrConflict,
	KindDependency: ErrDependency,
	KindTimeout:    ErrTimeout,
}

// Error is the error type returned by every Engine operation.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && target == s
}

// KindOf returns the Kind of err, or "" for nil and for errors that did not
// come from the engine.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func validationf(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func notFound(op, what, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %s not found", what, id)}
}

func conflictf(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

// dependency wraps a storage or provider failure. Context expiry is reported
// as a timeout instead.
func dependency(op, msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return timeout(op, err)
	}
	return &Error{Kind: KindDependency, Op: op, Message: msg, Err: err}
}

func timeout(op string, err error) error {
	return &Error{Kind: KindTimeout, Op: op, Message: "deadline exceeded", Err: err}
}
