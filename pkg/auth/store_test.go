package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*CredentialStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewCredentialStore(db), mock
}

func TestCredentialStore_Lookup(t *testing.T) {
	t.Run("hit", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT username, password_hash FROM users").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows([]string{"username", "password_hash"}).
				AddRow("alice", "$argon2id$..."))

		u, err := store.Lookup(context.Background(), "alice")
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, "alice", u.Username)
	})

	t.Run("absent returns nil without error", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT username, password_hash FROM users").
			WithArgs("nobody").
			WillReturnRows(sqlmock.NewRows([]string{"username", "password_hash"}))

		u, err := store.Lookup(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Nil(t, u)
	})

	t.Run("backend failure surfaces", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT username, password_hash FROM users").
			WillReturnError(errors.New("disk io error"))

		_, err := store.Lookup(context.Background(), "alice")
		assert.Error(t, err)
	})
}

func TestCredentialStore_Authenticate(t *testing.T) {
	hash, err := HashPassword("open sesame")
	require.NoError(t, err)

	t.Run("correct password", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT username, password_hash FROM users").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows([]string{"username", "password_hash"}).
				AddRow("alice", hash))

		ok, err := store.Authenticate(context.Background(), "alice", "open sesame")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("wrong password and absent user are indistinguishable", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT username, password_hash FROM users").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows([]string{"username", "password_hash"}).
				AddRow("alice", hash))
		mock.ExpectQuery("SELECT username, password_hash FROM users").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"username", "password_hash"}))

		wrongPw, err := store.Authenticate(context.Background(), "alice", "wrong")
		require.NoError(t, err)
		absent, err := store.Authenticate(context.Background(), "ghost", "wrong")
		require.NoError(t, err)

		assert.Equal(t, wrongPw, absent)
		assert.False(t, wrongPw)
	})
}

func TestCredentialStore_Create(t *testing.T) {
	t.Run("duplicate rejected", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT username, password_hash FROM users").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows([]string{"username", "password_hash"}).
				AddRow("alice", "$argon2id$..."))

		err := store.Create(context.Background(), "alice", "pw")
		assert.ErrorIs(t, err, ErrUserExists)
	})

	t.Run("invalid username rejected before touching the backend", func(t *testing.T) {
		store, _ := newMockStore(t)
		err := store.Create(context.Background(), "has space", "pw")
		assert.Error(t, err)
	})

	t.Run("insert", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT username, password_hash FROM users").
			WithArgs("bob").
			WillReturnRows(sqlmock.NewRows([]string{"username", "password_hash"}))
		mock.ExpectExec("INSERT INTO users").
			WithArgs("bob", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, store.Create(context.Background(), "bob", "pw"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
