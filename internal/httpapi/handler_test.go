package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/r2northstar/pdata/pkg/capcat"
	"github.com/r2northstar/pdata/pkg/credstore"
	"github.com/r2northstar/pdata/pkg/fileops"
	"github.com/r2northstar/pdata/pkg/mount"
	"github.com/r2northstar/pdata/pkg/pdtoken"
)

func newTestHandler(t *testing.T) (*Handler, string) {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"data", filepath.Join("data", "users", "alice"), "uploads"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	if err := os.WriteFile(filepath.Join(root, "roles.csv"), []byte(
		"user,read:~/data/users/alice/**,write:~/data/users/alice/**,list:~/data/users/alice/**,list:~data,delete:~/data/users/alice/**\n",
	), 0o644); err != nil {
		t.Fatal(err)
	}

	creds, err := credstore.Open(root, zerolog.Nop())
	if err != nil {
		t.Fatalf("credstore.Open: %v", err)
	}
	if err := creds.Add("alice", "hunter2", "user"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	cat, err := capcat.Load(root, zerolog.Nop())
	if err != nil {
		t.Fatalf("capcat.Load: %v", err)
	}

	h := &Handler{
		CredStore: creds,
		CapCat:    cat,
		Mounts:    mount.NewPlanner(root),
		Tokens:    pdtoken.New([]byte("test-secret")),
		Ops:       fileops.New(cat, false),
		TokenTTL:  time.Hour,
	}
	return h, root
}

func loginToken(t *testing.T, h *Handler) string {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Username: "alice", Password: "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("expected a non-empty token")
	}
	return resp.Token
}

func TestHandlerLoginSuccess(t *testing.T) {
	h, _ := newTestHandler(t)
	loginToken(t, h)
}

func TestHandlerLoginWrongPassword(t *testing.T) {
	h, _ := newTestHandler(t)
	body, _ := json.Marshal(loginRequest{Username: "alice", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandlerLoginWrongMethod(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandlerWriteReadDeleteRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t)
	tok := loginToken(t, h)
	auth := "Bearer " + tok

	writeReq := httptest.NewRequest(http.MethodPut, "/v1/write?path=%7E%2Fdata%2Fusers%2Falice%2Fnote.txt", bytes.NewReader([]byte("hello")))
	writeReq.Header.Set("Authorization", auth)
	writeRec := httptest.NewRecorder()
	h.ServeHTTP(writeRec, writeReq)
	if writeRec.Code != http.StatusNoContent {
		t.Fatalf("write status = %d, body = %s", writeRec.Code, writeRec.Body.String())
	}

	readReq := httptest.NewRequest(http.MethodGet, "/v1/read?path=%7E%2Fdata%2Fusers%2Falice%2Fnote.txt", nil)
	readReq.Header.Set("Authorization", auth)
	readRec := httptest.NewRecorder()
	h.ServeHTTP(readRec, readReq)
	if readRec.Code != http.StatusOK {
		t.Fatalf("read status = %d, body = %s", readRec.Code, readRec.Body.String())
	}
	if readRec.Body.String() != "hello" {
		t.Fatalf("read body = %q, want %q", readRec.Body.String(), "hello")
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/v1/delete?path=%7E%2Fdata%2Fusers%2Falice%2Fnote.txt", nil)
	delReq.Header.Set("Authorization", auth)
	delRec := httptest.NewRecorder()
	h.ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, body = %s", delRec.Code, delRec.Body.String())
	}

	readAgainReq := httptest.NewRequest(http.MethodGet, "/v1/read?path=%7E%2Fdata%2Fusers%2Falice%2Fnote.txt", nil)
	readAgainReq.Header.Set("Authorization", auth)
	readAgainRec := httptest.NewRecorder()
	h.ServeHTTP(readAgainRec, readAgainReq)
	if readAgainRec.Code == http.StatusOK {
		t.Fatal("expected read after delete to fail")
	}
}

func TestHandlerRequiresAuthorization(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/list?path=~data", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandlerUnknownPath(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandlerUpload(t *testing.T) {
	h, _ := newTestHandler(t)
	tok := loginToken(t, h)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "report.txt")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("upload body"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/upload", &buf)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if resp.Path == "" {
		t.Fatal("expected a non-empty upload path")
	}
}

func TestHandlerAdminRequiresAdminRole(t *testing.T) {
	h, _ := newTestHandler(t)
	tok := loginToken(t, h)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/users", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestHandlerMetricsExposesCounters(t *testing.T) {
	h, _ := newTestHandler(t)
	loginToken(t, h)

	var buf bytes.Buffer
	h.WritePrometheus(&buf)
	if !bytes.Contains(buf.Bytes(), []byte("pdata_httpapi_login_requests_total")) {
		t.Fatalf("expected login metric in output, got:\n%s", buf.String())
	}
}
