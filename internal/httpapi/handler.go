package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog/hlog"

	"github.com/r2northstar/pdata/db/auditdb"
	"github.com/r2northstar/pdata/pkg/capcat"
	"github.com/r2northstar/pdata/pkg/credstore"
	"github.com/r2northstar/pdata/pkg/fileops"
	"github.com/r2northstar/pdata/pkg/mount"
	"github.com/r2northstar/pdata/pkg/pdtoken"
)

// Handler serves the PData HTTP API: login, the FileOps operations, and
// admin user management, on top of the core packages. It holds no
// per-request state; every handler method takes what it needs from the
// request.
type Handler struct {
	CredStore *credstore.Store
	CapCat    *capcat.Catalog
	Mounts    *mount.Planner
	Tokens    *pdtoken.Engine
	Ops       *fileops.Ops
	Audit     *auditdb.DB
	TokenTTL  time.Duration

	// AllowedRoles restricts which of a user's stored roles are honored at
	// login; a role not in this set never reaches MountPlanner.Plan or
	// CapCat.Expand, so it grants no mounts and no capabilities even if
	// still present in roles.csv. Nil means no restriction.
	AllowedRoles map[string]struct{}

	metricsInit sync.Once
	metricsObj  apiMetrics
}

// ServeHTTP routes by exact path, mirroring the fixed-path switch style
// used by every other host layer in this module.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var notPanicked bool
	defer func() {
		if !notPanicked {
			h.m().request_panics_total.Inc()
		}
	}()

	w.Header().Set("Server", "PData")

	switch r.URL.Path {
	case "/login":
		h.handleLogin(w, r)
	case "/v1/list":
		h.handleList(w, r)
	case "/v1/read":
		h.handleRead(w, r)
	case "/v1/write":
		h.handleWrite(w, r)
	case "/v1/delete":
		h.handleDelete(w, r)
	case "/v1/upload":
		h.handleUpload(w, r)
	case "/v1/symlink":
		h.handleSymlink(w, r)
	case "/v1/admin/users":
		h.handleAdminUsers(w, r)
	case "/v1/admin/users/password":
		h.handleAdminUserPassword(w, r)
	case "/v1/admin/users/role":
		h.handleAdminUserRole(w, r)
	case "/v1/admin/audit":
		h.handleAdminAudit(w, r)
	default:
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
	notPanicked = true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code ErrorCode, msg string) {
	writeJSON(w, code.httpStatus(), code.Obj(msg))
}

func writeErr(w http.ResponseWriter, err error) ErrorCode {
	code := errorCodeFor(err)
	writeJSON(w, code.httpStatus(), code.Obj(""))
	return code
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, ErrorCode_METHOD_NOT_ALLOWED, "")
}

// token extracts and validates the bearer token from the Authorization
// header.
func (h *Handler) token(r *http.Request) (pdtoken.Token, bool) {
	auth := r.Header.Get("Authorization")
	s, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || s == "" {
		return pdtoken.Token{}, false
	}
	tok, err := h.Tokens.Validate(s)
	if err != nil {
		return pdtoken.Token{}, false
	}
	return tok, true
}

// isAdmin reports whether tok carries the admin role, the one role
// mount.Planner.Plan grants the full storage root to.
func (h *Handler) isAdmin(tok pdtoken.Token) bool {
	for _, role := range tok.Roles {
		if role == "admin" {
			return true
		}
	}
	return false
}

func (h *Handler) audit(r *http.Request, tok pdtoken.Token, op, vpath, result, detail string) {
	if h.Audit == nil {
		return
	}
	entry := auditdb.Entry{
		TS:          time.Now(),
		Username:    tok.Username,
		Op:          op,
		VirtualPath: vpath,
		Result:      result,
		Detail:      detail,
	}
	if err := h.Audit.Insert(r.Context(), entry); err != nil {
		hlog.FromRequest(r).Err(err).Str("component", "httpapi").Msg("failed to write audit entry")
	}
}

// --- auth --------------------------------------------------------------

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at_ms"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.m().login_requests_total.reject_bad_request.Inc()
		writeError(w, ErrorCode_BAD_REQUEST, "malformed json body")
		return
	}
	if !credstore.ValidUsername(req.Username) || req.Password == "" {
		h.m().login_requests_total.reject_bad_request.Inc()
		writeError(w, ErrorCode_BAD_REQUEST, "missing username or password")
		return
	}

	if !h.CredStore.Validate(req.Username, req.Password) {
		h.m().login_requests_total.reject_unauthorized.Inc()
		writeError(w, ErrorCode_AUTH_FAILURE, "")
		return
	}

	roles := h.CredStore.GetRoles(req.Username)
	if h.AllowedRoles != nil {
		for role := range roles {
			if _, ok := h.AllowedRoles[role]; !ok {
				delete(roles, role)
			}
		}
	}
	table := h.Mounts.Plan(req.Username, roles)
	caps := h.CapCat.Expand(roles)

	roleList := make([]string, 0, len(roles))
	for role := range roles {
		roleList = append(roleList, role)
	}

	str, err := h.Tokens.Mint(req.Username, roleList, caps, table, h.TokenTTL)
	if err != nil {
		h.m().login_requests_total.reject_bad_request.Inc()
		writeErr(w, err)
		return
	}

	h.m().login_requests_total.success.Inc()
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     str,
		ExpiresAt: time.Now().Add(h.TokenTTL).UnixMilli(),
	})
}

// --- file operations -----------------------------------------------------

type listResponse struct {
	Dirs   []string `json:"dirs"`
	Files  []string `json:"files"`
	Exists bool     `json:"exists"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	tok, ok := h.token(r)
	if !ok {
		h.m().list_requests_total.reject_unauthorized.Inc()
		writeError(w, ErrorCode_AUTH_FAILURE, "")
		return
	}
	vpath := r.URL.Query().Get("path")
	if vpath == "" {
		h.m().list_requests_total.reject_bad_request.Inc()
		writeError(w, ErrorCode_BAD_REQUEST, "missing path")
		return
	}

	res, err := h.Ops.List(tok, vpath)
	if err != nil {
		code := writeErr(w, err)
		h.countFail(h.m().list_requests_total.reject_unauthorized, h.m().list_requests_total.fail_io_error, code)
		h.audit(r, tok, "list", vpath, string(code), "")
		return
	}
	h.m().list_requests_total.success.Inc()
	h.audit(r, tok, "list", vpath, "success", "")
	writeJSON(w, http.StatusOK, listResponse{Dirs: res.Dirs, Files: res.Files, Exists: res.Exists})
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	tok, ok := h.token(r)
	if !ok {
		h.m().read_requests_total.reject_unauthorized.Inc()
		writeError(w, ErrorCode_AUTH_FAILURE, "")
		return
	}
	vpath := r.URL.Query().Get("path")
	if vpath == "" {
		h.m().read_requests_total.reject_bad_request.Inc()
		writeError(w, ErrorCode_BAD_REQUEST, "missing path")
		return
	}

	data, err := h.Ops.Read(tok, vpath)
	if err != nil {
		code := errorCodeFor(err)
		switch code {
		case ErrorCode_NOT_FOUND:
			h.m().read_requests_total.reject_not_found.Inc()
		case ErrorCode_PERMISSION_DENIED, ErrorCode_AUTH_FAILURE, ErrorCode_BAD_PATH:
			h.m().read_requests_total.reject_unauthorized.Inc()
		default:
			h.m().read_requests_total.fail_io_error.Inc()
		}
		h.audit(r, tok, "read", vpath, string(code), "")
		writeJSON(w, code.httpStatus(), code.Obj(""))
		return
	}
	h.m().read_requests_total.success.Inc()
	h.audit(r, tok, "read", vpath, "success", "")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	tok, ok := h.token(r)
	if !ok {
		h.m().write_requests_total.reject_unauthorized.Inc()
		writeError(w, ErrorCode_AUTH_FAILURE, "")
		return
	}
	vpath := r.URL.Query().Get("path")
	if vpath == "" {
		h.m().write_requests_total.reject_bad_request.Inc()
		writeError(w, ErrorCode_BAD_REQUEST, "missing path")
		return
	}

	const maxWriteBytes = 64 << 20
	data, err := readAllLimited(r.Body, maxWriteBytes)
	if err != nil {
		h.m().write_requests_total.reject_bad_request.Inc()
		writeError(w, ErrorCode_BAD_REQUEST, "body too large or unreadable")
		return
	}

	if err := h.Ops.Write(tok, vpath, data); err != nil {
		code := writeErr(w, err)
		h.countFail(h.m().write_requests_total.reject_unauthorized, h.m().write_requests_total.fail_io_error, code)
		h.audit(r, tok, "write", vpath, string(code), "")
		return
	}
	h.m().write_requests_total.success.Inc()
	h.audit(r, tok, "write", vpath, "success", "")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	tok, ok := h.token(r)
	if !ok {
		h.m().delete_requests_total.reject_unauthorized.Inc()
		writeError(w, ErrorCode_AUTH_FAILURE, "")
		return
	}
	vpath := r.URL.Query().Get("path")
	if vpath == "" {
		h.m().delete_requests_total.reject_bad_request.Inc()
		writeError(w, ErrorCode_BAD_REQUEST, "missing path")
		return
	}

	if err := h.Ops.Delete(tok, vpath); err != nil {
		code := errorCodeFor(err)
		switch code {
		case ErrorCode_NOT_FOUND:
			h.m().delete_requests_total.reject_not_found.Inc()
		case ErrorCode_PERMISSION_DENIED, ErrorCode_AUTH_FAILURE, ErrorCode_BAD_PATH, ErrorCode_INVALID_INPUT:
			h.m().delete_requests_total.reject_unauthorized.Inc()
		default:
			h.m().delete_requests_total.fail_io_error.Inc()
		}
		h.audit(r, tok, "delete", vpath, string(code), "")
		writeJSON(w, code.httpStatus(), code.Obj(""))
		return
	}
	h.m().delete_requests_total.success.Inc()
	h.audit(r, tok, "delete", vpath, "success", "")
	w.WriteHeader(http.StatusNoContent)
}

type uploadResponse struct {
	Path string `json:"path"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	tok, ok := h.token(r)
	if !ok {
		h.m().upload_requests_total.reject_unauthorized.Inc()
		writeError(w, ErrorCode_AUTH_FAILURE, "")
		return
	}

	const maxUploadBytes = 256 << 20
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.m().upload_requests_total.reject_bad_request.Inc()
		writeError(w, ErrorCode_BAD_REQUEST, "malformed multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.m().upload_requests_total.reject_bad_request.Inc()
		writeError(w, ErrorCode_BAD_REQUEST, "missing file field")
		return
	}
	defer file.Close()

	tmp, err := bufferToTemp(file)
	if err != nil {
		h.m().upload_requests_total.fail_io_error.Inc()
		writeError(w, ErrorCode_IO_ERROR, "")
		return
	}

	vpath, err := h.Ops.FinalizeUpload(tok, tmp, header.Filename)
	if err != nil {
		code := writeErr(w, err)
		h.countFail(h.m().upload_requests_total.reject_unauthorized, h.m().upload_requests_total.fail_io_error, code)
		h.audit(r, tok, "finalize_upload", header.Filename, string(code), "")
		return
	}
	h.m().upload_requests_total.success.Inc()
	h.audit(r, tok, "finalize_upload", vpath, "success", "")
	writeJSON(w, http.StatusOK, uploadResponse{Path: vpath})
}

type symlinkRequest struct {
	Link   string `json:"link"`
	Target string `json:"target"`
}

func (h *Handler) handleSymlink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	tok, ok := h.token(r)
	if !ok {
		h.m().symlink_requests_total.reject_unauthorized.Inc()
		writeError(w, ErrorCode_AUTH_FAILURE, "")
		return
	}

	var req symlinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Link == "" || req.Target == "" {
		h.m().symlink_requests_total.reject_bad_request.Inc()
		writeError(w, ErrorCode_BAD_REQUEST, "missing link or target")
		return
	}

	if err := h.Ops.CreateSymlink(tok, req.Link, req.Target); err != nil {
		code := errorCodeFor(err)
		switch code {
		case ErrorCode_ALREADY_EXISTS:
			h.m().symlink_requests_total.reject_conflict.Inc()
		case ErrorCode_PERMISSION_DENIED, ErrorCode_AUTH_FAILURE, ErrorCode_BAD_PATH, ErrorCode_INVALID_INPUT:
			h.m().symlink_requests_total.reject_unauthorized.Inc()
		default:
			h.m().symlink_requests_total.fail_io_error.Inc()
		}
		h.audit(r, tok, "create_symlink", req.Link, string(code), req.Target)
		writeJSON(w, code.httpStatus(), code.Obj(""))
		return
	}
	h.m().symlink_requests_total.success.Inc()
	h.audit(r, tok, "create_symlink", req.Link, "success", req.Target)
	w.WriteHeader(http.StatusNoContent)
}

// countFail buckets a write-class failure metric into either the
// unauthorized or io-error counter; used by handlers where the only
// failure modes worth distinguishing are "denied" vs "storage broke".
func (h *Handler) countFail(unauthorized, ioErr *metrics.Counter, code ErrorCode) {
	switch code {
	case ErrorCode_PERMISSION_DENIED, ErrorCode_AUTH_FAILURE, ErrorCode_BAD_PATH, ErrorCode_INVALID_INPUT:
		unauthorized.Inc()
	default:
		ioErr.Inc()
	}
}
