// Package auth handles dashboard accounts, login sessions and capability checks.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"ytdash/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnauthenticated    = errors.New("authentication required")
	ErrForbidden          = errors.New("forbidden")
	// ErrInvalidInput is returned for malformed emails and short passwords.
	ErrInvalidInput = errors.New("auth: invalid input")
)

// MinPasswordLength is the shortest password accepted on signup.
const MinPasswordLength = 8

// Capability names an action gated by role.
type Capability string

const (
	CapManageChannels Capability = "channels:manage"
	CapViewAdmin      Capability = "admin:view"
)

var roleCapabilities = map[storage.Role][]Capability{
	storage.RoleUser:  {CapManageChannels},
	storage.RoleAdmin: {CapManageChannels, CapViewAdmin},
}

// Principal is an authenticated caller.
type Principal interface {
	Subject() string
	Can(Capability) bool
}

// User is an authenticated account.
type User struct {
	*storage.Account
}

// Subject returns the account ID.
func (u *User) Subject() string { return u.ID }

// Can reports whether the account's role grants c.
func (u *User) Can(c Capability) bool {
	return slices.Contains(roleCapabilities[u.Role], c)
}

// Require returns ErrUnauthenticated for a nil principal and ErrForbidden when
// p lacks c.
func Require(p Principal, c Capability) error {
	if p == nil {
		return ErrUnauthenticated
	}
	if !p.Can(c) {
		return fmt.Errorf("%w: missing capability %s", ErrForbidden, c)
	}
	return nil
}

// Store is the persistence the service needs.
type Store interface {
	storage.AccountStore
	storage.SessionStore
}

// Config configures a Service.
type Config struct {
	SessionTTL  time.Duration
	AdminEmails []string
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	Logger     zerolog.Logger
}

// Service signs users up, logs them in and validates session tokens.
type Service struct {
	store  Store
	ttl    time.Duration
	admins map[string]struct{}
	cost   int
	log    zerolog.Logger
	now    func() time.Time

	// dummyHash keeps unknown-email logins as slow as wrong-password ones.
	dummyHash []byte
}

// NewService creates an auth service.
func NewService(store Store, cfg Config) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	admins := make(map[string]struct{}, len(cfg.AdminEmails))
	for _, e := range cfg.AdminEmails {
		admins[storage.NormalizeEmail(e)] = struct{}{}
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), cfg.BcryptCost)

	return &Service{
		store:     store,
		ttl:       cfg.SessionTTL,
		admins:    admins,
		cost:      cfg.BcryptCost,
		log:       cfg.Logger.With().Str("component", "auth").Logger(),
		now:       time.Now,
		dummyHash: dummy,
	}
}

// SessionTTL returns the lifetime of new sessions.
func (s *Service) SessionTTL() time.Duration { return s.ttl }

// Signup creates an account and starts a session for it. Emails listed as
// admin get the admin role.
func (s *Service) Signup(ctx context.Context, email, password string) (*User, *storage.Session, error) {
	email = storage.NormalizeEmail(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}

	role := storage.RoleUser
	if _, ok := s.admins[email]; ok {
		role = storage.RoleAdmin
	}
	account := storage.NewAccount(email, string(hash), role)
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, nil, err
	}
	s.log.Info().Str("account_id", account.ID).Str("role", string(role)).Msg("account created")

	sess, err := s.startSession(ctx, account.ID)
	if err != nil {
		return nil, nil, err
	}
	return &User{Account: account}, sess, nil
}

// Login verifies credentials and starts a session.
func (s *Service) Login(ctx context.Context, email, password string) (*User, *storage.Session, error) {
	account, err := s.store.GetAccountByEmail(ctx, storage.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	sess, err := s.startSession(ctx, account.ID)
	if err != nil {
		return nil, nil, err
	}
	return &User{Account: account}, sess, nil
}

// Logout deletes the session. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.store.DeleteSession(ctx, token); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// Authenticate resolves a session token to its user. Missing, unknown and
// expired tokens yield ErrUnauthenticated; expired sessions are deleted.
func (s *Service) Authenticate(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	sess, err := s.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if sess.Expired(s.now()) {
		if err := s.store.DeleteSession(ctx, token); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn().Err(err).Msg("delete expired session")
		}
		return nil, ErrUnauthenticated
	}

	account, err := s.store.GetAccount(ctx, sess.AccountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return &User{Account: account}, nil
}

// PurgeExpired deletes every expired session.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredSessions(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug().Int64("deleted", n).Msg("purged expired sessions")
	}
	return n, nil
}

// RunJanitor purges expired sessions every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("purge expired sessions")
			}
		}
	}
}

func (s *Service) startSession(ctx context.Context, accountID string) (*storage.Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sess := &storage.Session{
		Token:     token,
		AccountID: accountID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func validateCredentials(email, password string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email, "@") {
		return fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	}
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	// bcrypt ignores everything past 72 bytes
	if len(password) > 72 {
		return fmt.Errorf("%w: password must be at most 72 bytes", ErrInvalidInput)
	}
	return nil
}

// newToken returns 32 random bytes, URL-safe encoded.
func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
