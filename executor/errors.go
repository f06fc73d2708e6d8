package executor

import (
	"errors"
	"fmt"

	"github.com/caffeineduck/gorun/protocol"
)

// Sentinels for errors.Is matching against an *Error.
var (
	ErrEval    = errors.New("eval error")
	ErrRuntime = errors.New("runtime error")
	ErrTimeout = errors.New("timeout error")
	ErrExit    = errors.New("exit error")
)

// Error is returned by Run for every failed execution.
type Error struct {
	Type    protocol.ErrorType
	Message string
	Stack   string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", sentinel(e.Type), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's type.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Type)
}

func sentinel(t protocol.ErrorType) error {
	switch t {
	case protocol.ErrorEval:
		return ErrEval
	case protocol.ErrorTimeout:
		return ErrTimeout
	case protocol.ErrorExit:
		return ErrExit
	}
	return ErrRuntime
}

func newError(t protocol.ErrorType, cause error, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...), Err: cause}
}

// TypeOf returns the classification of err, or false if err does not wrap
// an *Error.
func TypeOf(err error) (protocol.ErrorType, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return "", false
}
