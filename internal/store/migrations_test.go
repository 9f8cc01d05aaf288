package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements_SemicolonInsideComment(t *testing.T) {
	script := `-- header comment; with a semicolon in it
CREATE TABLE a (id INTEGER);

-- another note; also punctuated
CREATE INDEX idx_a ON a(id);
`
	stmts := splitStatements(script)

	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id INTEGER)", stmts[0])
	assert.Equal(t, "CREATE INDEX idx_a ON a(id)", stmts[1])
}

func TestSplitStatements_EmbeddedSchemaIsExecutable(t *testing.T) {
	for _, stmt := range splitStatements(auditSchema) {
		assert.NotContains(t, stmt, "--")
	}
	assert.NotEmpty(t, splitStatements(auditSchema))
}

func TestAuditDSN(t *testing.T) {
	assert.Equal(t, "file:/tmp/a.db", auditDSN("/tmp/a.db"))
	assert.Equal(t, "file:/tmp/a.db", auditDSN("file:/tmp/a.db"))
	assert.Equal(t, "libsql://host.example/db", auditDSN("libsql://host.example/db"))
}

func TestOpenAuditDB_PlainPathMigratesAndReopens(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "audit.db")

	db, err := OpenAuditDB(ctx, dbPath)
	require.NoError(t, err)

	el := NewEventLog(db)
	require.NoError(t, el.Append(ctx, &Event{RunID: "run-1", Type: "run_started"}))
	require.NoError(t, el.Close())

	// Reopening must see the schema as current and the data intact.
	db, err = OpenAuditDB(ctx, dbPath)
	require.NoError(t, err)
	el = NewEventLog(db)
	defer el.Close()

	events, err := el.Events(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Sequence)
}
