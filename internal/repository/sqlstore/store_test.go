package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := New(db)
	require.NoError(t, err)
	return s, mock
}

func TestNew_NilDB(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), " ")
	require.Error(t, err)
}

func TestGetBinding(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery("SELECT user_key, context_id, created_at, updated_at FROM user_contexts").
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_key", "context_id", "created_at", "updated_at"}).
			AddRow("u-1", "thread_1", now, now))

	b, ok, err := s.GetBinding(context.Background(), "u-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "thread_1", b.ContextID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBinding_NoRows(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT user_key").
		WithArgs("u-2").
		WillReturnRows(sqlmock.NewRows([]string{"user_key", "context_id", "created_at", "updated_at"}))

	_, ok, err := s.GetBinding(context.Background(), "u-2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetBinding_Error(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT user_key").WillReturnError(errors.New("conn reset"))

	_, _, err := s.GetBinding(context.Background(), "u-3")
	require.ErrorContains(t, err, "conn reset")
}

func TestPutBinding_Upsert(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO user_contexts").
		WithArgs("u-1", "thread_2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.PutBinding(context.Background(), "u-1", "thread_2"))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Error(t, s.PutBinding(context.Background(), "", "thread_2"))
}

func TestFindUserByContext(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT user_key FROM user_contexts WHERE context_id").
		WithArgs("thread_1").
		WillReturnRows(sqlmock.NewRows([]string{"user_key"}).AddRow("u-1"))

	user, ok, err := s.FindUserByContext(context.Background(), "thread_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u-1", user)
}

func TestDeleteBindingAndMigrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS user_contexts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM user_contexts").WithArgs("u-1").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.DeleteBinding(context.Background(), "u-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
