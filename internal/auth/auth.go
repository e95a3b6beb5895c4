// Package auth implements the portal's single shared login and the cookie
// sessions issued after it.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultSessionTTL is how long a session stays valid after login.
const DefaultSessionTTL = 12 * time.Hour

// ErrInvalidCredentials is returned when a login does not match.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// ErrNoSession is returned when a token is unknown or expired.
var ErrNoSession = errors.New("auth: no session")

// Credentials is the configured portal login.
type Credentials struct {
	Username     string
	PasswordHash string
}

// Check reports whether username and password match. Both inputs are trimmed.
func (c Credentials) Check(username, password string) bool {
	if c.Username == "" || c.PasswordHash == "" {
		return false
	}
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)) == nil
	return userOK && passOK
}

// HashPassword returns a bcrypt hash suitable for Credentials.PasswordHash.
func HashPassword(password string) (string, error) {
	password = strings.TrimSpace(password)
	if password == "" {
		return "", errors.New("auth: empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Session is an authenticated login.
type Session struct {
	Token     string    `json:"-"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionManager issues and resolves in-process sessions.
type SessionManager struct {
	creds Credentials
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]Session
}

// NewSessionManager returns a manager checking logins against creds. A
// non-positive ttl selects DefaultSessionTTL.
func NewSessionManager(creds Credentials, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{creds: creds, ttl: ttl, now: time.Now, sessions: make(map[string]Session)}
}

// SetNowFunc overrides the clock, for tests.
func (m *SessionManager) SetNowFunc(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn == nil {
		fn = time.Now
	}
	m.now = fn
}

// Login checks the credentials and creates a session.
func (m *SessionManager) Login(username, password string) (Session, error) {
	if !m.creds.Check(username, password) {
		return Session{}, ErrInvalidCredentials
	}
	return m.Create(strings.TrimSpace(username))
}

// Create issues a session for username without checking credentials.
func (m *SessionManager) Create(username string) (Session, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Session{}, fmt.Errorf("session token: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s := Session{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.sessions[s.Token] = s
	m.pruneLocked(now)
	return s, nil
}

// Lookup resolves a token. Expired sessions are dropped and reported as ErrNoSession.
func (m *SessionManager) Lookup(token string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return Session{}, ErrNoSession
	}
	if !m.now().Before(s.ExpiresAt) {
		delete(m.sessions, token)
		return Session{}, ErrNoSession
	}
	return s, nil
}

// Revoke ends a session. Unknown tokens are ignored.
func (m *SessionManager) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// Len reports the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())
	return len(m.sessions)
}

func (m *SessionManager) pruneLocked(now time.Time) {
	for token, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, token)
		}
	}
}
