// Package session mints and validates the short-lived capability tokens the
// broker issues to agent chat sessions. Tokens are opaque to the agent;
// validation is constant-time with respect to the signing key (HMAC-SHA256
// via the jwt library's hmac.Equal comparison).
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// TokenVersion is bumped when the claim layout changes; older tokens
	// are rejected outright.
	TokenVersion = 1

	// MinSigningKeyLen guards against weak operator-supplied keys.
	MinSigningKeyLen = 32

	// RelayLocalID is the sentinel session recognized only when the peer
	// address is loopback. It is never minted as a token.
	RelayLocalID = "relay-local"
)

// Payload is the validated content of a session token.
type Payload struct {
	SessionID string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type claims struct {
	Version int `json:"v"`
	jwt.RegisteredClaims
}

// Manager signs and validates session tokens with a process-wide key that
// is read-only after startup.
type Manager struct {
	key []byte
	ttl time.Duration
	now func() time.Time // test hook
}

// NewManager builds a token manager. The signing key must be at least
// MinSigningKeyLen bytes.
func NewManager(signingKey string, ttl time.Duration) (*Manager, error) {
	if len(signingKey) < MinSigningKeyLen {
		return nil, fmt.Errorf("session signing key must be at least %d bytes", MinSigningKeyLen)
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	return &Manager{
		key: []byte(signingKey),
		ttl: ttl,
		now: time.Now,
	}, nil
}

// Mint issues a token for the given session ID using the manager's TTL.
func (m *Manager) Mint(sessionID string) (string, error) {
	return m.MintWithTTL(sessionID, m.ttl)
}

// MintWithTTL issues a token with an explicit lifetime. The relay-local
// sentinel is never signed; it exists only for loopback admission.
func (m *Manager) MintWithTTL(sessionID string, ttl time.Duration) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id is required")
	}
	if sessionID == RelayLocalID {
		return "", fmt.Errorf("%q is reserved for loopback callers", RelayLocalID)
	}
	if ttl <= 0 {
		ttl = m.ttl
	}

	now := m.now()
	c := claims{
		Version: TokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.key)
}

// Validate parses a token and returns its payload, or nil on signature
// mismatch, expiry, version mismatch, or any parse failure. Callers only
// need the allow/deny answer; the reason is deliberately not surfaced.
func (m *Manager) Validate(token string) *Payload {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if err != nil || !parsed.Valid {
		return nil
	}
	if c.Version != TokenVersion {
		return nil
	}
	if c.Subject == "" || c.IssuedAt == nil || c.ExpiresAt == nil {
		return nil
	}

	return &Payload{
		SessionID: c.Subject,
		CreatedAt: c.IssuedAt.Time,
		ExpiresAt: c.ExpiresAt.Time,
	}
}
