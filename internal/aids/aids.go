// Package aids collects small generic helpers shared across the server's
// internal packages: nil-pointer plumbing, assertions, and the Must/Iif
// idioms used throughout instead of repeating the same nil checks.
package aids

import "time"

// IsError returns true if err is non-nil.
func IsError(err error) bool { return err != nil }

// Iif is "inline if".
func Iif[T any](expression bool, trueVal, falseVal T) T {
	if expression {
		return trueVal
	}
	return falseVal
}

// Assert panics if condition is false.
func Assert(condition bool, v any) {
	if !condition {
		panic(v)
	}
}

// AssertSuccess panics if err != nil.
func AssertSuccess(err error) {
	Assert(!IsError(err), err)
}

// Must returns val if err is nil, otherwise panics with err.
func Must[T any](val T, err error) T {
	Assert(!IsError(err), err)
	return val
}

// Must0 panics if err is non-nil; used for calls with no return value worth keeping.
func Must0(err error) {
	Assert(!IsError(err), err)
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T { return &v }

// New is an alias of Ptr kept for parity with call sites that favor the
// name New for the same operation.
func New[T any](v T) *T { return &v }

// NowMS returns the current time as epoch milliseconds, the unit every
// timestamp field in the data model uses.
func NowMS() int64 { return time.Now().UnixMilli() }
