package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/r2northstar/pdata/pkg/credstore"
)

// requireAdmin validates the bearer token and checks that its holder has
// the admin role, writing a response and returning false if not.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	tok, valid := h.token(r)
	if !valid {
		h.m().admin_requests_total.reject_unauthorized.Inc()
		writeError(w, ErrorCode_AUTH_FAILURE, "")
		return false
	}
	if !h.isAdmin(tok) {
		h.m().admin_requests_total.reject_unauthorized.Inc()
		writeError(w, ErrorCode_PERMISSION_DENIED, "admin role required")
		return false
	}
	return true
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type usersResponse struct {
	Users []string `json:"users"`
}

// handleAdminUsers lists (GET), creates (POST), or deletes (DELETE) users.
func (h *Handler) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.m().admin_requests_total.success.Inc()
		writeJSON(w, http.StatusOK, usersResponse{Users: h.CredStore.ListUsers()})

	case http.MethodPost:
		var req createUserRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.m().admin_requests_total.reject_bad_request.Inc()
			writeError(w, ErrorCode_BAD_REQUEST, "malformed json body")
			return
		}
		if req.Role == "" {
			req.Role = credstore.DefaultRole
		}
		if err := h.CredStore.Add(req.Username, req.Password, req.Role); err != nil {
			code := errorCodeFor(err)
			if code == ErrorCode_ALREADY_EXISTS {
				h.m().admin_requests_total.reject_conflict.Inc()
			} else if code == ErrorCode_INVALID_INPUT {
				h.m().admin_requests_total.reject_bad_request.Inc()
			} else {
				h.m().admin_requests_total.fail_io_error.Inc()
			}
			writeJSON(w, code.httpStatus(), code.Obj(""))
			return
		}
		h.m().admin_requests_total.success.Inc()
		w.WriteHeader(http.StatusCreated)

	case http.MethodDelete:
		username := r.URL.Query().Get("username")
		if username == "" {
			h.m().admin_requests_total.reject_bad_request.Inc()
			writeError(w, ErrorCode_BAD_REQUEST, "missing username")
			return
		}
		if err := h.CredStore.Delete(username); err != nil {
			code := writeErr(w, err)
			if code == ErrorCode_NOT_FOUND || code == ErrorCode_CONFLICT {
				h.m().admin_requests_total.reject_conflict.Inc()
			} else {
				h.m().admin_requests_total.fail_io_error.Inc()
			}
			return
		}
		h.m().admin_requests_total.success.Inc()
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w)
	}
}

type updatePasswordRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleAdminUserPassword resets a user's password.
func (h *Handler) handleAdminUserPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	if !h.requireAdmin(w, r) {
		return
	}

	var req updatePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		h.m().admin_requests_total.reject_bad_request.Inc()
		writeError(w, ErrorCode_BAD_REQUEST, "missing username or password")
		return
	}
	if err := h.CredStore.UpdatePassword(req.Username, req.Password); err != nil {
		code := writeErr(w, err)
		if code == ErrorCode_NOT_FOUND || code == ErrorCode_INVALID_INPUT {
			h.m().admin_requests_total.reject_bad_request.Inc()
		} else {
			h.m().admin_requests_total.fail_io_error.Inc()
		}
		return
	}
	h.m().admin_requests_total.success.Inc()
	w.WriteHeader(http.StatusNoContent)
}

type roleRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// handleAdminUserRole grants (PUT) or revokes (DELETE) a role assignment.
func (h *Handler) handleAdminUserRole(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var req roleRequest
	switch r.Method {
	case http.MethodPut:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Role == "" {
			h.m().admin_requests_total.reject_bad_request.Inc()
			writeError(w, ErrorCode_BAD_REQUEST, "missing username or role")
			return
		}
		if err := h.CredStore.SetRole(req.Username, req.Role); err != nil {
			code := writeErr(w, err)
			if code == ErrorCode_NOT_FOUND || code == ErrorCode_INVALID_INPUT {
				h.m().admin_requests_total.reject_bad_request.Inc()
			} else {
				h.m().admin_requests_total.fail_io_error.Inc()
			}
			return
		}
		h.m().admin_requests_total.success.Inc()
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		req.Username = r.URL.Query().Get("username")
		req.Role = r.URL.Query().Get("role")
		if req.Username == "" || req.Role == "" {
			h.m().admin_requests_total.reject_bad_request.Inc()
			writeError(w, ErrorCode_BAD_REQUEST, "missing username or role")
			return
		}
		if err := h.CredStore.UnsetRole(req.Username, req.Role); err != nil {
			code := writeErr(w, err)
			if code == ErrorCode_NOT_FOUND {
				h.m().admin_requests_total.reject_bad_request.Inc()
			} else {
				h.m().admin_requests_total.fail_io_error.Inc()
			}
			return
		}
		h.m().admin_requests_total.success.Inc()
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w)
	}
}

type auditEntryResponse struct {
	TS          int64  `json:"ts_ms"`
	Op          string `json:"op"`
	VirtualPath string `json:"path"`
	Result      string `json:"result"`
	Detail      string `json:"detail"`
}

// handleAdminAudit returns the most recent audit entries for a user. Only
// meaningful when the server was configured with an audit database.
func (h *Handler) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !h.requireAdmin(w, r) {
		return
	}
	if h.Audit == nil {
		h.m().admin_requests_total.reject_bad_request.Inc()
		writeError(w, ErrorCode_BAD_REQUEST, "no audit trail configured")
		return
	}

	username := r.URL.Query().Get("username")
	if username == "" {
		h.m().admin_requests_total.reject_bad_request.Inc()
		writeError(w, ErrorCode_BAD_REQUEST, "missing username")
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.Audit.RecentByUser(r.Context(), username, limit)
	if err != nil {
		h.m().admin_requests_total.fail_io_error.Inc()
		writeError(w, ErrorCode_IO_ERROR, "")
		return
	}

	out := make([]auditEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = auditEntryResponse{
			TS:          e.TS.UnixMilli(),
			Op:          e.Op,
			VirtualPath: e.VirtualPath,
			Result:      e.Result,
			Detail:      e.Detail,
		}
	}
	h.m().admin_requests_total.success.Inc()
	writeJSON(w, http.StatusOK, out)
}
