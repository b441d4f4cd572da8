package auditdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE audit_log (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			ts           INTEGER NOT NULL,
			username     TEXT NOT NULL COLLATE NOCASE,
			op           TEXT NOT NULL,
			virtual_path TEXT NOT NULL,
			result       TEXT NOT NULL,
			detail       TEXT NOT NULL
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create audit_log table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX audit_log_user_ts_idx ON audit_log(username, ts)`); err != nil {
		return fmt.Errorf("create audit_log index: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX audit_log_user_ts_idx`); err != nil {
		return fmt.Errorf("drop audit_log index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE audit_log`); err != nil {
		return fmt.Errorf("drop audit_log table: %w", err)
	}
	return nil
}
