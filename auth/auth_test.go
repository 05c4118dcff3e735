package auth

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"ytdash/storage"
	"ytdash/storage/sqlite"
)

func newTestService(t *testing.T) (*Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := NewService(store, Config{
		SessionTTL:  time.Hour,
		AdminEmails: []string{"Boss@Example.com"},
		BcryptCost:  bcrypt.MinCost,
		Logger:      zerolog.Nop(),
	})
	return svc, store
}

func TestSignupAndLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, sess, err := svc.Signup(ctx, "  Alice@Example.com ", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, storage.RoleUser, user.Role)
	assert.NotEqual(t, "correct horse", user.PasswordHash)
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, time.Hour, sess.ExpiresAt.Sub(sess.CreatedAt))

	got, err := svc.Authenticate(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.Subject())

	loggedIn, sess2, err := svc.Login(ctx, "alice@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, user.ID, loggedIn.ID)
	assert.NotEqual(t, sess.Token, sess2.Token)
}

func TestSignupDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Signup(ctx, "bob@example.com", "password1")
	require.NoError(t, err)
	_, _, err = svc.Signup(ctx, "BOB@example.com", "password2")
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestSignupValidation(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name, email, password string
	}{
		{"empty email", "", "password1"},
		{"no at sign", "bob.example.com", "password1"},
		{"display name", "Bob <bob@example.com>", "password1"},
		{"short password", "bob@example.com", "short"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Signup(context.Background(), tt.email, tt.password)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestLoginWrongCredentials(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, _, err := svc.Signup(ctx, "carol@example.com", "password1")
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, "carol@example.com", "password2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "nobody@example.com", "password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAdminEmailsGetAdminRole(t *testing.T) {
	svc, _ := newTestService(t)

	admin, _, err := svc.Signup(context.Background(), "boss@example.com", "password1")
	require.NoError(t, err)
	assert.Equal(t, storage.RoleAdmin, admin.Role)
	assert.True(t, admin.Can(CapViewAdmin))
	assert.NoError(t, Require(admin, CapViewAdmin))

	user, _, err := svc.Signup(context.Background(), "staff@example.com", "password1")
	require.NoError(t, err)
	assert.False(t, user.Can(CapViewAdmin))
	assert.True(t, user.Can(CapManageChannels))
	assert.ErrorIs(t, Require(user, CapViewAdmin), ErrForbidden)
	assert.ErrorIs(t, Require(nil, CapViewAdmin), ErrUnauthenticated)
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = svc.Authenticate(ctx, "no-such-token")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, sess, err := svc.Signup(ctx, "dave@example.com", "password1")
	require.NoError(t, err)

	svc.now = func() time.Time { return sess.ExpiresAt }
	_, err = svc.Authenticate(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = store.GetSession(ctx, sess.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound, "expired session is deleted")
}

func TestLogout(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, sess, err := svc.Signup(ctx, "erin@example.com", "password1")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, sess.Token))
	_, err = svc.Authenticate(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	assert.NoError(t, svc.Logout(ctx, sess.Token), "second logout is a no-op")
	assert.NoError(t, svc.Logout(ctx, ""))
}

func TestPurgeExpired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, first, err := svc.Signup(ctx, "frank@example.com", "password1")
	require.NoError(t, err)
	_, _, err = svc.Login(ctx, "frank@example.com", "password1")
	require.NoError(t, err)

	n, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	svc.now = func() time.Time { return first.ExpiresAt.Add(time.Minute) }
	n, err = svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestNewTokenIsRandom(t *testing.T) {
	a, err := newToken()
	require.NoError(t, err)
	b, err := newToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}
