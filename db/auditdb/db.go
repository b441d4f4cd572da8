package auditdb

import (
	"context"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
)

// DB stores the audit trail in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens (creating if necessary) the audit database at name and
// migrates it to the latest known schema version.
func Open(name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	if _, err := x.Exec(`PRAGMA page_size = 8192`); err != nil {
		x.Close()
		return nil, err
	}

	db := &DB{x}
	_, required, err := db.Version()
	if err != nil {
		x.Close()
		return nil, err
	}
	if err := db.MigrateUp(context.Background(), required); err != nil {
		x.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// Entry is a single audit log row.
type Entry struct {
	TS          time.Time `db:"ts"`
	Username    string    `db:"username"`
	Op          string    `db:"op"`
	VirtualPath string    `db:"virtual_path"`
	Result      string    `db:"result"`
	Detail      string    `db:"detail"`
}

// Insert records one audit entry. ts is stored as Unix milliseconds so
// ordering and range queries don't depend on sqlite's text-datetime
// collation.
func (db *DB) Insert(ctx context.Context, e Entry) error {
	_, err := db.x.NamedExecContext(ctx, `
		INSERT INTO audit_log (ts, username, op, virtual_path, result, detail)
		VALUES (:ts, :username, :op, :virtual_path, :result, :detail)
	`, map[string]any{
		"ts":           e.TS.UnixMilli(),
		"username":     e.Username,
		"op":           e.Op,
		"virtual_path": e.VirtualPath,
		"result":       e.Result,
		"detail":       e.Detail,
	})
	return err
}

// RecentByUser returns the most recent limit audit entries for username,
// newest first.
func (db *DB) RecentByUser(ctx context.Context, username string, limit int) ([]Entry, error) {
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
		WHERE username = ?
		ORDER BY ts DESC
		LIMIT ?
	`, username, limit); err != nil {
		return nil, err
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = Entry{
			TS:          time.UnixMilli(r.TS),
			Username:    r.Username,
			Op:          r.Op,
			VirtualPath: r.VirtualPath,
			Result:      r.Result,
			Detail:      r.Detail,
		}
	}
	return out, nil
}
