package sqlstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatements_SQLiteUsesSeparateIndexes(t *testing.T) {
	stmts := sqliteDialect.statements()

	var creates, indexes int
	for _, s := range stmts {
		assert.NotContains(t, s, "$", "unexpanded type token in %q", s)
		switch {
		case strings.HasPrefix(s, "CREATE TABLE"):
			creates++
		case strings.HasPrefix(s, "CREATE INDEX"):
			indexes++
		}
	}
	assert.Equal(t, len(schema), creates)
	assert.Positive(t, indexes)
}

func TestStatements_MySQLInlinesIndexes(t *testing.T) {
	stmts := mysqlDialect.statements()
	require.Len(t, stmts, len(schema))

	for _, s := range stmts {
		assert.NotContains(t, s, "$")
		assert.NotContains(t, s, "AUTOINCREMENT")
	}
	assert.Contains(t, strings.Join(stmts, "\n"), "INDEX idx_locks_batch (batch_id)")
	assert.Contains(t, strings.Join(stmts, "\n"), "DECIMAL(18,2)")
}

func TestConcat(t *testing.T) {
	assert.Equal(t, "notes || ?", sqliteDialect.concat("notes", "?"))
	assert.Equal(t, "CONCAT(notes, ?)", mysqlDialect.concat("notes", "?"))
}

func TestDialectFor_Unknown(t *testing.T) {
	_, err := dialectFor("postgres")
	assert.Error(t, err)
}
