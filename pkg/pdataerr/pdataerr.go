// Package pdataerr defines the tagged error taxonomy shared by every PData
// core component, following the ErrorCode pattern used for Atlas's API error
// codes (see pkg/api/api0/errors.go in the Atlas codebase this project is
// derived from).
package pdataerr

import "fmt"

// Code is a tagged error category. Every fallible core operation returns an
// error that either wraps one of these codes or is a plain IoError wrapping
// some lower-level failure.
type Code string

const (
	// AuthFailure means credential validation failed, or a token failed its
	// signature or expiry check.
	AuthFailure Code = "AUTH_FAILURE"

	// PermissionDenied means a capability check failed, or a path resolved
	// outside of any mount. Deliberately does not distinguish "forbidden"
	// from "not found" to avoid leaking the existence of paths the caller
	// has no access to.
	PermissionDenied Code = "PERMISSION_DENIED"

	// BadPath means a virtual path failed structural validation: literal
	// tilde misuse, traversal, NUL bytes, alien characters, or an unknown
	// mount alias.
	BadPath Code = "BAD_PATH"

	// NotFound means the path resolved and was permitted, but the host
	// filesystem has no such entry. Only ever returned when the caller has
	// list permission on the containing directory.
	NotFound Code = "NOT_FOUND"

	// AlreadyExists means user creation was attempted against an existing
	// username, or symlink creation targeted a path that exists and is a
	// directory.
	AlreadyExists Code = "ALREADY_EXISTS"

	// InvalidInput means a structurally invalid argument was supplied: an
	// empty username, a missing payload, an invalid role name.
	InvalidInput Code = "INVALID_INPUT"

	// IoError means the underlying host filesystem failed. Components
	// attempt to leave both memory and disk consistent when this occurs.
	IoError Code = "IO_ERROR"

	// Conflict means a concurrent modification was detected, e.g. an atomic
	// rename target vanished out from under a mutation.
	Conflict Code = "CONFLICT"
)

// Error is a tagged error carrying a Code and an optional wrapped cause.
type Error struct {
	Code Code
	Op   string // component/operation that produced the error, e.g. "credstore.Add"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" && e.Err == nil {
		return string(e.Code)
	}
	if e.Err != nil {
		if e.Msg == "" {
			return fmt.Sprintf("%s: %v", e.Code, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error tagged with code.
func New(code Code, op, msg string) *Error {
	return &Error{Code: code, Op: op, Msg: msg}
}

// Wrap builds an *Error tagged with code, wrapping err.
func Wrap(code Code, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// Wrapf builds an *Error tagged with code carrying a formatted message.
// Unlike Wrap it takes no cause, so the result wraps no error.
func Wrapf(code Code, op, format string, a ...interface{}) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, a...)}
}

// Matches reports whether err is (or wraps) a *Error tagged with c.
func (c Code) Matches(err error) bool {
	code, ok := Of(err)
	return ok && code == c
}

// Of extracts the Code from err, if err is (or wraps) a *Error.
func Of(err error) (Code, bool) {
	var e *Error
	if as(err, &e) {
		return e.Code, true
	}
	return "", false
}

// as is a tiny local copy of errors.As specialized to *Error, avoiding an
// import cycle concern while keeping the dependency surface obvious.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
