package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry("password")
	require.NoError(t, err)
	return r
}

func TestPrimaryKeys(t *testing.T) {
	r := newTestRegistry(t)
	want := map[string]string{
		"system_users":    "user_id",
		"categories":      "category_id",
		"reader_profiles": "profile_id",
		"books":           "book_id",
		"borrow_records":  "record_id",
	}
	for table, pk := range want {
		got, err := r.PrimaryKey(table)
		assert.NoError(t, err)
		assert.Equal(t, pk, got, table)
	}

	_, err := r.PrimaryKey("orders")
	assert.Error(t, err)
}

func TestCleanDropsUnknownAndSystemFields(t *testing.T) {
	r := newTestRegistry(t)
	cleaned := r.Clean("system_users", map[string]interface{}{
		"user_id":      float64(7),
		"username":     "alice",
		"password_enc": "secret",
		"master_db":    "mysql",
		"timestamp":    "2024-01-01",
		"primary_key":  "user_id",
		"nickname":     "al",
		"last_login":   "2024-03-05T10:20:30.000Z",
		"created_time": "2024-03-05T10:20:30.000Z",
		"db_source":    "mysql",
		"phone":        nil,
	})

	assert.Equal(t, map[string]interface{}{
		"user_id":      int64(7),
		"username":     "alice",
		"last_login":   "2024-03-05",
		"created_time": "2024-03-05 10:20:30",
		"db_source":    "mysql",
		"phone":        nil,
	}, cleaned)
}

func TestCleanUnknownTable(t *testing.T) {
	r := newTestRegistry(t)
	assert.Empty(t, r.Clean("orders", map[string]interface{}{"id": 1}))
}

func TestBackfillBooks(t *testing.T) {
	r := newTestRegistry(t)
	row, err := r.Backfill("books", "42", map[string]interface{}{"book_id": 42, "title": "Dune"})
	require.NoError(t, err)
	assert.Equal(t, "AUTO000000000042", row["isbn"])
	assert.Equal(t, "available", row["status"])
	assert.Equal(t, 1, row["category_id"])

	again, err := r.Backfill("books", "42", map[string]interface{}{"book_id": 42, "title": "Dune"})
	require.NoError(t, err)
	assert.Equal(t, row, again)
}

func TestBackfillKeepsPresentValues(t *testing.T) {
	r := newTestRegistry(t)
	row, err := r.Backfill("books", "1", map[string]interface{}{"isbn": "978-0441013593", "status": "on_loan", "category_id": float64(3)})
	require.NoError(t, err)
	assert.Equal(t, "978-0441013593", row["isbn"])
	assert.Equal(t, "on_loan", row["status"])
	assert.Equal(t, float64(3), row["category_id"])
}

func TestBackfillReaderProfiles(t *testing.T) {
	r := newTestRegistry(t)
	row, err := r.Backfill("reader_profiles", "9", map[string]interface{}{
		"user_id":      float64(3),
		"created_time": "2024-02-29 08:00:00",
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-02-29", row["register_date"])
	assert.Equal(t, "2025-03-01", row["expire_date"])
	assert.Equal(t, "standard", row["membership_type"])
	assert.Equal(t, 5, row["max_borrow"])
	assert.Equal(t, "TEMP0000000009", row["card_number"])

	_, err = r.Backfill("reader_profiles", "9", map[string]interface{}{"card_number": "C1"})
	var missing *MissingRequiredError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "user_id", missing.Field)
}

func TestBackfillSystemUsersPassword(t *testing.T) {
	r := newTestRegistry(t)
	row, err := r.Backfill("system_users", "1", map[string]interface{}{"username": "bob"})
	require.NoError(t, err)
	hash, ok := row["password"].(string)
	require.True(t, ok)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("password")))
	assert.Equal(t, "reader", row["role"])
	assert.Equal(t, "active", row["status"])

	other, err := r.Backfill("system_users", "2", map[string]interface{}{"username": "carol"})
	require.NoError(t, err)
	assert.Equal(t, hash, other["password"])
}

func TestIsCore(t *testing.T) {
	r := newTestRegistry(t)
	books, ok := r.Lookup("books")
	require.True(t, ok)
	assert.True(t, books.IsCore("title"))
	assert.True(t, books.IsCore("db_source"))
	assert.False(t, books.IsCore("sync_version"))
	assert.False(t, books.IsCore("last_updated_time"))
	assert.Equal(t, KindDate, books.KindOf("publish_date"))
	assert.Equal(t, KindTimestamp, books.KindOf("created_time"))
	assert.Equal(t, KindPlain, books.KindOf("title"))
}

func TestLoadOverrides(t *testing.T) {
	r := newTestRegistry(t)
	path := filepath.Join(t.TempDir(), "schema.yaml")
	content := `
tables:
  - name: books
    primary_key: book_id
    fields: [title, isbn]
    defaults:
      - field: isbn
        generator: auto_isbn
  - name: shelves
    primary_key: shelf_id
    fields: [label]
    date_fields: [installed_on]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, r.LoadOverrides(path))

	cleaned := r.Clean("books", map[string]interface{}{"book_id": 1, "title": "x", "author": "y"})
	assert.NotContains(t, cleaned, "author")
	assert.Contains(t, r.Names(), "shelves")

	pk, err := r.PrimaryKey("shelves")
	require.NoError(t, err)
	assert.Equal(t, "shelf_id", pk)
}

func TestLoadOverridesRejectsUnknownGenerator(t *testing.T) {
	r := newTestRegistry(t)
	path := filepath.Join(t.TempDir(), "schema.yaml")
	content := `
tables:
  - name: books
    primary_key: book_id
    defaults:
      - field: isbn
        generator: random
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	assert.Error(t, r.LoadOverrides(path))
}
