package pdata

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestZerologWriterLevelFiltersBelowMinimum(t *testing.T) {
	var buf bytes.Buffer
	wl := newZerologWriterLevel(&buf, zerolog.InfoLevel)

	if _, err := wl.WriteLevel(zerolog.DebugLevel, []byte("debug msg")); err != nil {
		t.Fatalf("WriteLevel: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("debug-level write should be filtered, got %q", buf.String())
	}

	if _, err := wl.WriteLevel(zerolog.WarnLevel, []byte("warn msg")); err != nil {
		t.Fatalf("WriteLevel: %v", err)
	}
	if buf.String() != "warn msg" {
		t.Fatalf("got %q, want %q", buf.String(), "warn msg")
	}
}

func TestZerologWriterLevelSwapWriter(t *testing.T) {
	var first, second bytes.Buffer
	wl := newZerologWriterLevel(&first, zerolog.DebugLevel)

	if _, err := wl.Write([]byte("to first")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if first.String() != "to first" {
		t.Fatalf("first = %q", first.String())
	}

	wl.SwapWriter(func(io.Writer) io.Writer { return &second })

	if _, err := wl.Write([]byte("to second")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if second.String() != "to second" {
		t.Fatalf("second = %q", second.String())
	}
	if first.String() != "to first" {
		t.Fatalf("first should be unchanged after swap, got %q", first.String())
	}
}

func TestZerologWriterLevelNilWriterDiscards(t *testing.T) {
	wl := newZerologWriterLevel(nil, zerolog.DebugLevel)
	n, err := wl.Write([]byte("discarded"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len("discarded") {
		t.Fatalf("n = %d, want %d", n, len("discarded"))
	}
}

func TestMiddlewaresThenOrdersOutermostFirst(t *testing.T) {
	var order []string
	mk := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	var ms middlewares
	ms.Add(mk("outer")).Add(mk("inner"))

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})

	h := ms.Then(final)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	want := []string{"outer", "inner", "handler"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestStatusInterceptorPassesThroughSuccessStatus(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	si := &statusInterceptor{
		Handler: inner,
		Error: func(s int) http.Handler {
			t.Fatalf("Error callback should not fire for status %d", s)
			return nil
		},
	}
	rec := httptest.NewRecorder()
	si.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestStatusInterceptorSubstitutesErrorHandler(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	si := &statusInterceptor{
		Handler: inner,
		Error: func(s int) http.Handler {
			if s != http.StatusNotFound {
				t.Fatalf("Error callback status = %d, want 404", s)
			}
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTeapot)
				w.Write([]byte("substituted"))
			})
		},
	}
	rec := httptest.NewRecorder()
	si.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rec.Code)
	}
	if rec.Body.String() != "substituted" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "substituted")
	}
}

func TestStatusInterceptorIgnoresWriteAfterSubstitution(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("original body should be dropped"))
	})
	si := &statusInterceptor{
		Handler: inner,
		Error: func(s int) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			})
		},
	}
	rec := httptest.NewRecorder()
	si.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("body = %q, want empty", rec.Body.String())
	}
}
