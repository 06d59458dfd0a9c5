package store

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMigrationsSkipsRecordedVersions(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"0001_threads.up.sql":   "CREATE TABLE threads (id TEXT);",
		"0001_threads.down.sql": "DROP TABLE threads;",
		"0002_tags.up.sql":      "ALTER TABLE threads ADD COLUMN tags TEXT;",
		"notes.txt":             "ignored",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001_threads.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE threads ADD COLUMN tags TEXT;")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations(version) VALUES($1)")).
		WithArgs("0002_tags.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := ApplyMigrations(context.Background(), db, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_tags.up.sql"}, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyMigrationsRollsBackFailedScript(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0001_bad.up.sql"), []byte("CREATE TABLE;"), 0o600))

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE;")).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	applied, err := ApplyMigrations(context.Background(), db, dir)
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestShippedMigrationsArePaired(t *testing.T) {
	dir := filepath.Join("..", "..", "db", "migrations")
	ups, err := migrationVersions(dir)
	require.NoError(t, err)
	require.NotEmpty(t, ups)

	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		_, err := os.Stat(filepath.Join(dir, down))
		assert.NoError(t, err, "%s has no down script", up)
	}

	downs, err := filepath.Glob(filepath.Join(dir, "*.down.sql"))
	require.NoError(t, err)
	assert.Len(t, downs, len(ups), "every down script needs an up script")
}
