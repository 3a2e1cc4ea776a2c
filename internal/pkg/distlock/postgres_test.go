package distlock

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPostgres(t *testing.T) (*PostgresLocker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresLocker(db), mock
}

func TestPostgresLocker_AcquireInsertsRow(t *testing.T) {
	l, mock := setupPostgres(t)
	mock.ExpectQuery("INSERT INTO locks").
		WithArgs("k", "owner-1", int64(30000)).
		WillReturnRows(sqlmock.NewRows([]string{"owner"}).AddRow("owner-1"))

	assert.True(t, l.Acquire(context.Background(), "k", Options{Owner: "owner-1", Timeout: 30 * time.Second}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLocker_HeldByOtherOwner(t *testing.T) {
	l, mock := setupPostgres(t)
	mock.ExpectQuery("INSERT INTO locks").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT owner FROM locks").
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"owner"}).AddRow("other"))

	assert.False(t, l.Acquire(context.Background(), "k", Options{Owner: "me"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLocker_HeldBySameOwner(t *testing.T) {
	l, mock := setupPostgres(t)
	mock.ExpectQuery("INSERT INTO locks").WillReturnRows(sqlmock.NewRows([]string{"owner"}))
	mock.ExpectQuery("SELECT owner FROM locks").
		WillReturnRows(sqlmock.NewRows([]string{"owner"}).AddRow("me"))

	assert.True(t, l.Acquire(context.Background(), "k", Options{Owner: "me"}))
}

func TestPostgresLocker_NoOwnerSkipsCheck(t *testing.T) {
	l, mock := setupPostgres(t)
	mock.ExpectQuery("INSERT INTO locks").WillReturnRows(sqlmock.NewRows([]string{"owner"}))

	assert.False(t, l.Acquire(context.Background(), "k", Options{}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLocker_FailsClosedOnError(t *testing.T) {
	l, mock := setupPostgres(t)
	mock.ExpectQuery("INSERT INTO locks").WillReturnError(errors.New("connection refused"))

	assert.False(t, l.Acquire(context.Background(), "k", Options{Owner: "me"}))
}

func TestPostgresLocker_Release(t *testing.T) {
	l, mock := setupPostgres(t)
	mock.ExpectExec("DELETE FROM locks").WithArgs("k").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.Release(context.Background(), "k"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
