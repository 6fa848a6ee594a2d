package escalation

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the engine
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_state_transition"
	KindRepository        ErrorKind = "repository"
	KindNotifier          ErrorKind = "notifier"
)

// Error is the structured error returned by engine and learner operations.
// errors.Is matches any two Errors of the same Kind, so callers can test
// against the sentinels below.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrRepository        = &Error{Kind: KindRepository}
	ErrNotifier          = &Error{Kind: KindNotifier}
)

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func validationError(op, format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func notFoundError(op, requestID string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf("help request %s not found", requestID)}
}

func transitionError(op, reason string) error {
	return &Error{Kind: KindInvalidTransition, Op: op, Msg: reason}
}

func repositoryError(op string, err error) error {
	return &Error{Kind: KindRepository, Op: op, Err: err}
}

func notifierError(op string, err error) error {
	return &Error{Kind: KindNotifier, Op: op, Err: err}
}
