// Package session issues admin sessions scoped to a single experiment.
//
// A session is an HS256-signed token whose audience is the experiment name
// and whose ID points at an in-memory entry. The signing key is generated at
// startup, so every session ends with the process.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/classroom-rpc/internal/platform/errors"
	"github.com/louisbranch/classroom-rpc/internal/platform/id"
)

// DefaultTTL is the lifetime of a session when none is configured.
const DefaultTTL = 7 * 24 * time.Hour

const issuer = "classroom-rpc"

// Session is one authenticated admin login.
type Session struct {
	ID         string
	Experiment string
	Principal  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

type claims struct {
	jwt.RegisteredClaims
}

// Manager creates, validates and revokes sessions.
type Manager struct {
	key []byte
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager with a fresh random signing key.
func NewManager(ttl time.Duration) (*Manager, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return &Manager{key: key, ttl: ttl, now: time.Now, sessions: make(map[string]*Session)}, nil
}

// Create starts a session for principal on experiment and returns its token.
func (m *Manager) Create(experiment, principal string) (string, Session, error) {
	sid, err := id.NewID()
	if err != nil {
		return "", Session{}, err
	}
	now := m.now().UTC()
	sess := &Session{
		ID:         sid,
		Experiment: experiment,
		Principal:  principal,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        sid,
		Issuer:    issuer,
		Subject:   principal,
		Audience:  jwt.ClaimStrings{experiment},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
	}}).SignedString(m.key)
	if err != nil {
		return "", Session{}, fmt.Errorf("sign session: %w", err)
	}

	m.mu.Lock()
	m.sessions[sid] = sess
	m.mu.Unlock()
	return token, *sess, nil
}

// Validate checks token for experiment. Missing, malformed, expired or
// revoked tokens are UNAUTHORIZED; a valid token for another experiment is
// FORBIDDEN.
func (m *Manager) Validate(token, experiment string) (Session, error) {
	if token == "" {
		return Session{}, apperrors.New(apperrors.CodeUnauthorized, "not authenticated")
	}
	c, err := m.parse(token, true)
	if err != nil {
		return Session{}, err
	}
	if !slices.Contains(c.Audience, experiment) {
		return Session{}, apperrors.WithMetadata(apperrors.CodeForbidden,
			"session is not valid for this experiment", map[string]string{"experiment": experiment})
	}

	m.mu.RLock()
	sess, ok := m.sessions[c.ID]
	m.mu.RUnlock()
	if !ok {
		return Session{}, apperrors.New(apperrors.CodeUnauthorized, "session ended")
	}
	if m.now().After(sess.ExpiresAt) {
		m.delete(c.ID)
		return Session{}, apperrors.New(apperrors.CodeUnauthorized, "session expired")
	}
	return *sess, nil
}

// Revoke ends the session behind token. Unknown or invalid tokens are
// ignored.
func (m *Manager) Revoke(token string) {
	c, err := m.parse(token, false)
	if err != nil {
		return
	}
	m.delete(c.ID)
}

// Sweep drops expired sessions and returns how many were removed.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for sid, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			delete(m.sessions, sid)
			removed++
		}
	}
	return removed
}

// Run sweeps expired sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				log.Printf("expired sessions removed count=%d", n)
			}
		}
	}
}

func (m *Manager) delete(sid string) {
	m.mu.Lock()
	delete(m.sessions, sid)
	m.mu.Unlock()
}

func (m *Manager) parse(token string, validateClaims bool) (*claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	}
	if !validateClaims {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) { return m.key, nil }, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.New(apperrors.CodeUnauthorized, "session expired")
		}
		return nil, apperrors.Wrap(apperrors.CodeUnauthorized, "invalid session", err)
	}
	return &c, nil
}
