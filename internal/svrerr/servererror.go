// Package svrerr is the internal error representation every store and
// engine returns. It is deliberately small and HTTP-status-free: the
// dispatch core's Response Shaper is the only place a *ServerError is turned
// into the public error envelope (see internal/envelope).
package svrerr

import "fmt"

// ServerError is the taxonomy-tagged error every engine returns instead of a
// bare error, grounded on svrcore.ServerError{StatusCode, Code, Message}
// (generalized here to Code/Reason/Recoverable/Hint).
type ServerError struct {
	Code        string
	Reason      string
	Recoverable bool
	Hint        string
}

func (e *ServerError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// New builds a ServerError with a formatted reason.
func New(code string, recoverable bool, reasonFmt string, a ...any) *ServerError {
	return &ServerError{Code: code, Reason: fmt.Sprintf(reasonFmt, a...), Recoverable: recoverable}
}

// WithHint attaches a hint and returns the same error for chaining.
func (e *ServerError) WithHint(hintFmt string, a ...any) *ServerError {
	e.Hint = fmt.Sprintf(hintFmt, a...)
	return e
}

// Invalid builds a *_INVALID_INPUT-flavored recoverable error.
func Invalid(code, reasonFmt string, a ...any) *ServerError {
	return New(code, true, reasonFmt, a...)
}

// Unavailable builds a *_UNAVAILABLE-flavored recoverable error.
func Unavailable(code, reasonFmt string, a ...any) *ServerError {
	return New(code, true, reasonFmt, a...)
}

// NotFound builds a *_NOT_FOUND-flavored recoverable error.
func NotFound(code, reasonFmt string, a ...any) *ServerError {
	return New(code, true, reasonFmt, a...)
}

// Internal builds a *_EXCEPTION/*_FAILED-flavored recoverable error from an
// underlying Go error.
func Internal(code string, err error) *ServerError {
	return New(code, true, "%s", err.Error())
}
