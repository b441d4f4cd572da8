// Package httpapi is the thin HTTP host layer for PData: it decodes
// requests, calls into pkg/credstore, pkg/capcat, pkg/mount, pkg/pdtoken,
// and pkg/fileops, and encodes the result, following the request/response
// and error-object conventions used by Atlas's pkg/api/api0.
package httpapi

import "github.com/r2northstar/pdata/pkg/pdataerr"

// ErrorCode is a stable, machine-readable API error identifier.
type ErrorCode string

const (
	ErrorCode_AUTH_FAILURE       ErrorCode = "AUTH_FAILURE"
	ErrorCode_PERMISSION_DENIED  ErrorCode = "PERMISSION_DENIED"
	ErrorCode_BAD_PATH           ErrorCode = "BAD_PATH"
	ErrorCode_NOT_FOUND          ErrorCode = "NOT_FOUND"
	ErrorCode_ALREADY_EXISTS     ErrorCode = "ALREADY_EXISTS"
	ErrorCode_INVALID_INPUT      ErrorCode = "INVALID_INPUT"
	ErrorCode_IO_ERROR           ErrorCode = "IO_ERROR"
	ErrorCode_CONFLICT           ErrorCode = "CONFLICT"
	ErrorCode_BAD_REQUEST        ErrorCode = "BAD_REQUEST"
	ErrorCode_METHOD_NOT_ALLOWED ErrorCode = "METHOD_NOT_ALLOWED"
	ErrorCode_INTERNAL           ErrorCode = "INTERNAL_SERVER_ERROR"
)

// ErrorObj is the JSON shape of every non-2xx response body.
type ErrorObj struct {
	Code    ErrorCode `json:"enum"`
	Message string    `json:"msg"` // note: no omitempty
}

func (c ErrorCode) Obj(msg string) ErrorObj {
	if msg == "" {
		msg = c.defaultMessage()
	}
	return ErrorObj{Code: c, Message: msg}
}

func (c ErrorCode) defaultMessage() string {
	switch c {
	case ErrorCode_AUTH_FAILURE:
		return "invalid credentials or token"
	case ErrorCode_PERMISSION_DENIED:
		return "access denied"
	case ErrorCode_BAD_PATH:
		return "malformed virtual path"
	case ErrorCode_NOT_FOUND:
		return "no such entry"
	case ErrorCode_ALREADY_EXISTS:
		return "already exists"
	case ErrorCode_INVALID_INPUT:
		return "invalid input"
	case ErrorCode_IO_ERROR:
		return "storage error"
	case ErrorCode_CONFLICT:
		return "conflicting concurrent modification"
	case ErrorCode_BAD_REQUEST:
		return "bad request"
	case ErrorCode_METHOD_NOT_ALLOWED:
		return "method not allowed"
	default:
		return "internal server error"
	}
}

// httpStatus maps an ErrorCode to the HTTP status it's served with.
func (c ErrorCode) httpStatus() int {
	switch c {
	case ErrorCode_AUTH_FAILURE:
		return 401
	case ErrorCode_PERMISSION_DENIED:
		return 403
	case ErrorCode_BAD_PATH, ErrorCode_INVALID_INPUT, ErrorCode_BAD_REQUEST:
		return 400
	case ErrorCode_NOT_FOUND:
		return 404
	case ErrorCode_ALREADY_EXISTS, ErrorCode_CONFLICT:
		return 409
	case ErrorCode_METHOD_NOT_ALLOWED:
		return 405
	default:
		return 500
	}
}

// errorCodeFor classifies err, which is assumed to come from a core
// package and thus be (or wrap) a *pdataerr.Error, into an ErrorCode.
func errorCodeFor(err error) ErrorCode {
	code, ok := pdataerr.Of(err)
	if !ok {
		return ErrorCode_INTERNAL
	}
	switch code {
	case pdataerr.AuthFailure:
		return ErrorCode_AUTH_FAILURE
	case pdataerr.PermissionDenied:
		return ErrorCode_PERMISSION_DENIED
	case pdataerr.BadPath:
		return ErrorCode_BAD_PATH
	case pdataerr.NotFound:
		return ErrorCode_NOT_FOUND
	case pdataerr.AlreadyExists:
		return ErrorCode_ALREADY_EXISTS
	case pdataerr.InvalidInput:
		return ErrorCode_INVALID_INPUT
	case pdataerr.Conflict:
		return ErrorCode_CONFLICT
	case pdataerr.IoError:
		return ErrorCode_IO_ERROR
	default:
		return ErrorCode_INTERNAL
	}
}
