package plan

import (
	"errors"
	"fmt"
)

// ErrInternal tags consistency violations that indicate a bug in a plan or in
// the compiler itself, as opposed to a user error in the operation. Callers
// are not expected to recover from these.
var ErrInternal = errors.New("internal plan graph inconsistency")

// Internalf builds an error tagged with ErrInternal.
func Internalf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInternal)...)
}

// Error is a runtime plan failure carried as a value. It flows through result
// rows exactly like a normal value so unrelated rows in the same batch
// proceed; dependents observing an Error short-circuit by propagating it.
type Error struct {
	Err error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// WrapError boxes err as a result value. A nil err yields nil.
func WrapError(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return &Error{Err: err}
}

// AsError reports whether a result value is a boxed failure.
func AsError(v any) (*Error, bool) {
	pe, ok := v.(*Error)
	return pe, ok
}
