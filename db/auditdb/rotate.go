package auditdb

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
)

// RotateSegment exports every audit_log row older than cutoff to a
// gzip-compressed CSV segment at segmentPath, then deletes those rows from
// the live table. This bounds the sqlite file's size for a long-lived
// audit trail while keeping the exported rows around for offline
// inspection; segmentPath must not already exist.
func (db *DB) RotateSegment(ctx context.Context, cutoff time.Time, segmentPath string) (int64, error) {
	var rows []struct {
		TS          int64  `db:"ts"`
		Username    string `db:"username"`
		Op          string `db:"op"`
		VirtualPath string `db:"virtual_path"`
		Result      string `db:"result"`
		Detail      string `db:"detail"`
	}
	if err := db.x.SelectContext(ctx, &rows, `
		SELECT ts, username, op, virtual_path, result, detail
		FROM audit_log
		WHERE ts < ?
		ORDER BY ts ASC
	`, cutoff.UnixMilli()); err != nil {
		return 0, fmt.Errorf("select rows to rotate: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	if err := writeSegment(segmentPath, rows); err != nil {
		return 0, err
	}

	if _, err := db.x.ExecContext(ctx, `DELETE FROM audit_log WHERE ts < ?`, cutoff.UnixMilli()); err != nil {
		return 0, fmt.Errorf("delete rotated rows: %w", err)
	}
	return int64(len(rows)), nil
}

func writeSegment(segmentPath string, rows []struct {
	TS          int64  `db:"ts"`
	Username    string `db:"username"`
	Op          string `db:"op"`
	VirtualPath string `db:"virtual_path"`
	Result      string `db:"result"`
	Detail      string `db:"detail"`
}) error {
	f, err := os.OpenFile(segmentPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create segment file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	cw := csv.NewWriter(gz)
	if err := cw.Write([]string{"ts", "username", "op", "virtual_path", "result", "detail"}); err != nil {
		return fmt.Errorf("write segment header: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			strconv.FormatInt(r.TS, 10), r.Username, r.Op, r.VirtualPath, r.Result, r.Detail,
		}); err != nil {
			return fmt.Errorf("write segment row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush segment csv: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close segment gzip writer: %w", err)
	}
	return f.Sync()
}
