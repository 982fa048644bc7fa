package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db, zaptest.NewLogger(t)), mock
}

func userRows(id uuid.UUID, username, hash, token string, createdAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "username", "fullname", "bio", "password_hash", "token", "created_at"}).
		AddRow(id, username, nil, nil, hash, token, createdAt)
}

func TestAuthorizedUserByToken(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM users WHERE token = \$1`).
		WithArgs("tok-1").
		WillReturnRows(userRows(id, "alice", "hash", "tok-1", now))

	u, err := s.AuthorizedUserByToken(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	assert.Equal(t, "tok-1", u.Token)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorizedUserByTokenNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT .+ FROM users WHERE token = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "fullname", "bio", "password_hash", "token", "created_at"}))

	_, err := s.AuthorizedUserByToken(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthorizedUserByCredentials(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()
	now := time.Now().UTC()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)

	t.Run("valid password", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .+ FROM users WHERE username = \$1`).
			WithArgs("alice").
			WillReturnRows(userRows(id, "alice", string(hash), "tok", now))

		u, err := s.AuthorizedUserByCredentials(context.Background(), "alice", "correct horse")
		require.NoError(t, err)
		assert.Equal(t, id, u.ID)
	})

	t.Run("wrong password", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .+ FROM users WHERE username = \$1`).
			WithArgs("alice").
			WillReturnRows(userRows(id, "alice", string(hash), "tok", now))

		_, err := s.AuthorizedUserByCredentials(context.Background(), "alice", "wrong")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateUserRotatesTokenOnPasswordChange(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()
	now := time.Now().UTC()
	oldToken := "old-token"
	newPassword := "brand new password"

	mock.ExpectQuery(`SELECT .+ FROM users WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(userRows(id, "alice", "old-hash", oldToken, now))
	mock.ExpectExec(`UPDATE users SET username = \$1`).
		WithArgs("alice", nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	u, err := s.UpdateUser(context.Background(), id, UserUpdate{Password: &newPassword})
	require.NoError(t, err)

	assert.NotEqual(t, oldToken, u.Token, "password change must rotate the token")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(newPassword)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUserKeepsTokenWithoutPasswordChange(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()
	now := time.Now().UTC()
	username := "renamed"

	mock.ExpectQuery(`SELECT .+ FROM users WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(userRows(id, "alice", "hash", "stable-token", now))
	mock.ExpectExec(`UPDATE users SET username = \$1`).
		WithArgs("renamed", nil, nil, "hash", "stable-token", id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	u, err := s.UpdateUser(context.Background(), id, UserUpdate{Username: &username})
	require.NoError(t, err)
	assert.Equal(t, "stable-token", u.Token)
	assert.Equal(t, "renamed", u.Username)
}

func TestCreateFriendNormalizesPair(t *testing.T) {
	s, mock := newTestStore(t)

	a := uuid.MustParse("ffffffff-0000-0000-0000-000000000000")
	b := uuid.MustParse("00000000-0000-0000-0000-00000000ffff")

	// Regardless of argument order, the lexically smaller id is stored first.
	mock.ExpectExec(`INSERT INTO friends`).
		WithArgs(b, a, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	f, err := s.CreateFriend(context.Background(), a, b)
	require.NoError(t, err)
	assert.Equal(t, b, f.FirstUserID)
	assert.Equal(t, a, f.SecondUserID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteFriendReportsExistence(t *testing.T) {
	s, mock := newTestStore(t)
	a, b := uuid.New(), uuid.New()
	first, second := orderPair(a, b)

	mock.ExpectExec(`DELETE FROM friends`).
		WithArgs(first, second).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM friends`).
		WithArgs(first, second).
		WillReturnResult(sqlmock.NewResult(0, 0))

	existed, err := s.DeleteFriend(context.Background(), a, b)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.DeleteFriend(context.Background(), a, b)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestFriendsOf(t *testing.T) {
	s, mock := newTestStore(t)
	me, f1, f2 := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT first_user, second_user, created_at FROM friends`).
		WithArgs(me).
		WillReturnRows(sqlmock.NewRows([]string{"first_user", "second_user", "created_at"}).
			AddRow(me, f1, now).
			AddRow(f2, me, now))

	friends, err := s.FriendsOf(context.Background(), me)
	require.NoError(t, err)
	require.Len(t, friends, 2)

	other, err := friends[0].Other(me)
	require.NoError(t, err)
	assert.Equal(t, f1, other)
	other, err = friends[1].Other(me)
	require.NoError(t, err)
	assert.Equal(t, f2, other)
}
