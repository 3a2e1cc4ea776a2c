package main

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestMigrate_SkipsApplied(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_init.sql":  "CREATE TABLE a (id INT);",
		"002_more.sql":  "CREATE TABLE b (id INT);",
		"003_empty.sql": "  \n",
		"README.md":     "not sql",
	})
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT name FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("001_init.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id INT);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs("002_more.sql").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	n, err := migrate(db, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_StopsOnFailure(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_init.sql": "CREATE TABLE a (id INT);",
		"002_bad.sql":  "CREATE TABLE oops",
		"003_next.sql": "CREATE TABLE c (id INT);",
	})
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT name FROM schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE a (id INT);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs("001_init.sql").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE oops")).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	n, err := migrate(db, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "002_bad.sql")
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPending_MissingDir(t *testing.T) {
	_, err := pending(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
