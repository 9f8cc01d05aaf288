package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var auditSchema string

// schemaScripts is ordered by version; index i applies schema version i+1.
var schemaScripts = []string{auditSchema}

// runMigrations brings the audit database up to the current schema version.
// The version is tracked with PRAGMA user_version so the database needs no
// bookkeeping table of its own.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current >= len(schemaScripts) {
		return nil
	}

	for v := current; v < len(schemaScripts); v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema upgrade to v%d: %w", v+1, err)
		}
		if err := execScript(ctx, tx, schemaScripts[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply schema v%d: %w", v+1, err)
		}
		// PRAGMA does not accept bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record schema v%d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit schema v%d: %w", v+1, err)
		}
	}
	return nil
}

func execScript(ctx context.Context, tx *sql.Tx, script string) error {
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements drops -- comment lines first, then splits the remaining
// SQL on semicolons. Comments are removed before splitting because comment
// text may itself contain a semicolon.
func splitStatements(script string) []string {
	var code []string
	for _, line := range strings.Split(script, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		code = append(code, line)
	}

	var stmts []string
	for _, raw := range strings.Split(strings.Join(code, "\n"), ";") {
		if stmt := strings.TrimSpace(raw); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
