package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// OpenUserDB opens (creating if necessary) a per-user SQLite database in WAL
// mode. Grounded on _examples/nevindra-oasis/memory/sqlite/sqlite.go's Init,
// which opens modernc.org/sqlite and immediately sets journal_mode=WAL before
// any schema work.
func OpenUserDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, WrapDbError("open", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, WrapDbError("pragma journal_mode", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, WrapDbError("pragma foreign_keys", err)
	}
	return db, nil
}

// AddColumnIfMissing runs an additive ALTER TABLE, swallowing the
// "duplicate column name" error SQLite returns when the column already
// exists. This is the schema-migration idiom spec.md 4.A requires in place
// of a versioned migration tool.
func AddColumnIfMissing(ctx context.Context, db *sql.DB, table, column, ddl string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, ddl)
	_, err := db.ExecContext(ctx, stmt)
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "duplicate column name") {
		return nil
	}
	return WrapDbError("migrate:"+table+"."+column, err)
}
