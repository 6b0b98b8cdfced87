package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xmartos/scrumpoker/internal/domain"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthService stands in for the hosted authentication provider: it issues
// opaque session tokens against the configured owner credentials and
// answers the one question the poker core asks, "is this token valid".
type AuthService struct {
	log      *slog.Logger
	email    string
	password string
	ttl      time.Duration

	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func NewAuthService(email, password string, ttl time.Duration, log *slog.Logger) *AuthService {
	if log == nil {
		log = slog.Default()
	}
	return &AuthService{
		log:      log,
		email:    email,
		password: password,
		ttl:      ttl,
		sessions: make(map[string]*domain.Session),
	}
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*domain.Session, error) {
	const op = "service.auth.login"
	log := s.log.With(slog.String("op", op), slog.String("email", email))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	emailOK := subtle.ConstantTimeCompare([]byte(email), []byte(s.email)) == 1
	passwordOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
	if !emailOK || !passwordOK {
		log.Warn("login rejected")
		return nil, ErrInvalidCredentials
	}

	session := domain.NewSession(email, s.ttl)

	s.mu.Lock()
	s.sessions[session.Token] = session
	s.mu.Unlock()

	log.Info("login accepted")
	return session, nil
}

func (s *AuthService) Logout(_ context.Context, token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Validate reports whether a live session exists for token. Expired
// sessions are evicted on the way out.
func (s *AuthService) Validate(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if !ok {
		return false
	}
	if session.IsExpired() {
		delete(s.sessions, token)
		return false
	}
	return true
}
