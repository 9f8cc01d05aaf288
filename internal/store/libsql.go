package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/go-libsql"
)

// auditPragmas tune the embedded libSQL connection for a single-writer
// append-only log. Pragmas may return a row, so each runs through QueryRow.
var auditPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
}

// auditDSN turns a plain filesystem path into the file: URI the libsql
// driver requires. Paths already carrying a scheme pass through untouched.
func auditDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}

// OpenAuditDB opens the libSQL database backing the audit event log and
// brings its schema up to date. dbPath is a filesystem path or a libsql URL.
func OpenAuditDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("libsql", auditDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range auditPragmas {
		var ignored string
		_ = db.QueryRowContext(ctx, pragma).Scan(&ignored)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
