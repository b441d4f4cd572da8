package httpapi

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// apiMetrics holds request counters for every endpoint, named
// <endpoint>_requests_total{result="..."} in the style of a single
// success/reject/fail vocabulary per endpoint, so a glance at /metrics
// shows exactly why requests aren't succeeding.
type apiMetrics struct {
	set *metrics.Set

	request_panics_total *metrics.Counter

	login_requests_total struct {
		success, reject_bad_request, reject_unauthorized *metrics.Counter
	}
	list_requests_total struct {
		success, reject_bad_request, reject_unauthorized, fail_io_error *metrics.Counter
	}
	read_requests_total struct {
		success, reject_bad_request, reject_unauthorized, reject_not_found, fail_io_error *metrics.Counter
	}
	write_requests_total struct {
		success, reject_bad_request, reject_unauthorized, fail_io_error *metrics.Counter
	}
	delete_requests_total struct {
		success, reject_bad_request, reject_unauthorized, reject_not_found, fail_io_error *metrics.Counter
	}
	upload_requests_total struct {
		success, reject_bad_request, reject_unauthorized, fail_io_error *metrics.Counter
	}
	symlink_requests_total struct {
		success, reject_bad_request, reject_unauthorized, reject_conflict, fail_io_error *metrics.Counter
	}
	admin_requests_total struct {
		success, reject_bad_request, reject_unauthorized, reject_conflict, fail_io_error *metrics.Counter
	}
}

func (h *Handler) m() *apiMetrics {
	h.metricsInit.Do(func() {
		mo := &h.metricsObj
		mo.set = metrics.NewSet()
		mo.request_panics_total = mo.set.NewCounter(`pdata_httpapi_request_panics_total`)

		mo.login_requests_total.success = mo.set.NewCounter(`pdata_httpapi_login_requests_total{result="success"}`)
		mo.login_requests_total.reject_bad_request = mo.set.NewCounter(`pdata_httpapi_login_requests_total{result="reject_bad_request"}`)
		mo.login_requests_total.reject_unauthorized = mo.set.NewCounter(`pdata_httpapi_login_requests_total{result="reject_unauthorized"}`)

		mo.list_requests_total.success = mo.set.NewCounter(`pdata_httpapi_list_requests_total{result="success"}`)
		mo.list_requests_total.reject_bad_request = mo.set.NewCounter(`pdata_httpapi_list_requests_total{result="reject_bad_request"}`)
		mo.list_requests_total.reject_unauthorized = mo.set.NewCounter(`pdata_httpapi_list_requests_total{result="reject_unauthorized"}`)
		mo.list_requests_total.fail_io_error = mo.set.NewCounter(`pdata_httpapi_list_requests_total{result="fail_io_error"}`)

		mo.read_requests_total.success = mo.set.NewCounter(`pdata_httpapi_read_requests_total{result="success"}`)
		mo.read_requests_total.reject_bad_request = mo.set.NewCounter(`pdata_httpapi_read_requests_total{result="reject_bad_request"}`)
		mo.read_requests_total.reject_unauthorized = mo.set.NewCounter(`pdata_httpapi_read_requests_total{result="reject_unauthorized"}`)
		mo.read_requests_total.reject_not_found = mo.set.NewCounter(`pdata_httpapi_read_requests_total{result="reject_not_found"}`)
		mo.read_requests_total.fail_io_error = mo.set.NewCounter(`pdata_httpapi_read_requests_total{result="fail_io_error"}`)

		mo.write_requests_total.success = mo.set.NewCounter(`pdata_httpapi_write_requests_total{result="success"}`)
		mo.write_requests_total.reject_bad_request = mo.set.NewCounter(`pdata_httpapi_write_requests_total{result="reject_bad_request"}`)
		mo.write_requests_total.reject_unauthorized = mo.set.NewCounter(`pdata_httpapi_write_requests_total{result="reject_unauthorized"}`)
		mo.write_requests_total.fail_io_error = mo.set.NewCounter(`pdata_httpapi_write_requests_total{result="fail_io_error"}`)

		mo.delete_requests_total.success = mo.set.NewCounter(`pdata_httpapi_delete_requests_total{result="success"}`)
		mo.delete_requests_total.reject_bad_request = mo.set.NewCounter(`pdata_httpapi_delete_requests_total{result="reject_bad_request"}`)
		mo.delete_requests_total.reject_unauthorized = mo.set.NewCounter(`pdata_httpapi_delete_requests_total{result="reject_unauthorized"}`)
		mo.delete_requests_total.reject_not_found = mo.set.NewCounter(`pdata_httpapi_delete_requests_total{result="reject_not_found"}`)
		mo.delete_requests_total.fail_io_error = mo.set.NewCounter(`pdata_httpapi_delete_requests_total{result="fail_io_error"}`)

		mo.upload_requests_total.success = mo.set.NewCounter(`pdata_httpapi_upload_requests_total{result="success"}`)
		mo.upload_requests_total.reject_bad_request = mo.set.NewCounter(`pdata_httpapi_upload_requests_total{result="reject_bad_request"}`)
		mo.upload_requests_total.reject_unauthorized = mo.set.NewCounter(`pdata_httpapi_upload_requests_total{result="reject_unauthorized"}`)
		mo.upload_requests_total.fail_io_error = mo.set.NewCounter(`pdata_httpapi_upload_requests_total{result="fail_io_error"}`)

		mo.symlink_requests_total.success = mo.set.NewCounter(`pdata_httpapi_symlink_requests_total{result="success"}`)
		mo.symlink_requests_total.reject_bad_request = mo.set.NewCounter(`pdata_httpapi_symlink_requests_total{result="reject_bad_request"}`)
		mo.symlink_requests_total.reject_unauthorized = mo.set.NewCounter(`pdata_httpapi_symlink_requests_total{result="reject_unauthorized"}`)
		mo.symlink_requests_total.reject_conflict = mo.set.NewCounter(`pdata_httpapi_symlink_requests_total{result="reject_conflict"}`)
		mo.symlink_requests_total.fail_io_error = mo.set.NewCounter(`pdata_httpapi_symlink_requests_total{result="fail_io_error"}`)

		mo.admin_requests_total.success = mo.set.NewCounter(`pdata_httpapi_admin_requests_total{result="success"}`)
		mo.admin_requests_total.reject_bad_request = mo.set.NewCounter(`pdata_httpapi_admin_requests_total{result="reject_bad_request"}`)
		mo.admin_requests_total.reject_unauthorized = mo.set.NewCounter(`pdata_httpapi_admin_requests_total{result="reject_unauthorized"}`)
		mo.admin_requests_total.reject_conflict = mo.set.NewCounter(`pdata_httpapi_admin_requests_total{result="reject_conflict"}`)
		mo.admin_requests_total.fail_io_error = mo.set.NewCounter(`pdata_httpapi_admin_requests_total{result="fail_io_error"}`)
	})
	return &h.metricsObj
}

// WritePrometheus writes this handler's own metric set, independent of the
// global default set, so the host layer decides whether to expose it
// alongside process-wide metrics.
func (h *Handler) WritePrometheus(w io.Writer) {
	h.m().set.WritePrometheus(w)
}
