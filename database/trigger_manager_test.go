package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/replisync/config"
	"github.com/yeremiapane/replisync/schema"
	"github.com/yeremiapane/replisync/utils"
)

func TestTriggerStatements(t *testing.T) {
	reg, err := schema.NewRegistry("password")
	require.NoError(t, err)
	books, ok := reg.Lookup("books")
	require.True(t, ok)

	stmts := TriggerStatements(books, "mariadb")
	require.Len(t, stmts, 6)

	assert.Equal(t, "DROP TRIGGER IF EXISTS `trg_books_sync_insert`", stmts[0])

	insert := stmts[1]
	assert.Contains(t, insert, "AFTER INSERT ON `books`")
	assert.Contains(t, insert, "IF @sync_in_progress IS NULL THEN")
	assert.Contains(t, insert, "NEW.`book_id`")
	assert.Contains(t, insert, "'mariadb'")
	assert.Contains(t, insert, "'title', NEW.`title`")
	assert.Contains(t, insert, "'sync_version', NEW.`sync_version`")

	update := stmts[3]
	assert.Contains(t, update, "IF(OLD.`is_deleted` = 0 AND NEW.`is_deleted` = 1, 'DELETE', 'UPDATE')")

	del := stmts[5]
	assert.Contains(t, del, "AFTER DELETE ON `books`")
	assert.Contains(t, del, "OLD.`book_id`")
	assert.NotContains(t, del, "NEW.")
}

func TestTriggerStatementsSkipExcludedColumns(t *testing.T) {
	reg, err := schema.NewRegistry("password")
	require.NoError(t, err)
	users, _ := reg.Lookup("system_users")

	for _, stmt := range TriggerStatements(users, "mysql") {
		assert.False(t, strings.Contains(stmt, "password_enc"))
	}
}

func TestInstallTriggersSkipsSQLite(t *testing.T) {
	utils.InitLogger()
	reg, err := schema.NewRegistry("password")
	require.NoError(t, err)

	n := &Node{Name: "local", Dialect: config.DialectSQLite}
	assert.NoError(t, InstallTriggers(n, reg))
}
