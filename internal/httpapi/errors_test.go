package httpapi

import (
	"errors"
	"testing"

	"github.com/r2northstar/pdata/pkg/pdataerr"
)

func TestErrorCodeForMapsEveryTaggedCode(t *testing.T) {
	cases := []struct {
		in   pdataerr.Code
		want ErrorCode
	}{
		{pdataerr.AuthFailure, ErrorCode_AUTH_FAILURE},
		{pdataerr.PermissionDenied, ErrorCode_PERMISSION_DENIED},
		{pdataerr.BadPath, ErrorCode_BAD_PATH},
		{pdataerr.NotFound, ErrorCode_NOT_FOUND},
		{pdataerr.AlreadyExists, ErrorCode_ALREADY_EXISTS},
		{pdataerr.InvalidInput, ErrorCode_INVALID_INPUT},
		{pdataerr.Conflict, ErrorCode_CONFLICT},
		{pdataerr.IoError, ErrorCode_IO_ERROR},
	}
	for _, c := range cases {
		err := pdataerr.New(c.in, "test", "boom")
		if got := errorCodeFor(err); got != c.want {
			t.Errorf("errorCodeFor(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestErrorCodeForUntaggedErrorIsInternal(t *testing.T) {
	if got := errorCodeFor(errors.New("plain error")); got != ErrorCode_INTERNAL {
		t.Errorf("errorCodeFor(plain) = %v, want %v", got, ErrorCode_INTERNAL)
	}
}

func TestObjFallsBackToDefaultMessage(t *testing.T) {
	obj := ErrorCode_NOT_FOUND.Obj("")
	if obj.Message == "" {
		t.Fatal("expected a non-empty default message")
	}
	obj2 := ErrorCode_NOT_FOUND.Obj("custom")
	if obj2.Message != "custom" {
		t.Fatalf("Obj(custom).Message = %q, want %q", obj2.Message, "custom")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{ErrorCode_AUTH_FAILURE, 401},
		{ErrorCode_PERMISSION_DENIED, 403},
		{ErrorCode_BAD_PATH, 400},
		{ErrorCode_INVALID_INPUT, 400},
		{ErrorCode_BAD_REQUEST, 400},
		{ErrorCode_NOT_FOUND, 404},
		{ErrorCode_ALREADY_EXISTS, 409},
		{ErrorCode_CONFLICT, 409},
		{ErrorCode_METHOD_NOT_ALLOWED, 405},
		{ErrorCode_INTERNAL, 500},
	}
	for _, c := range cases {
		if got := c.code.httpStatus(); got != c.want {
			t.Errorf("%s.httpStatus() = %d, want %d", c.code, got, c.want)
		}
	}
}
