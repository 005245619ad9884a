// Package token issues and verifies the JWT access tokens carried in session
// cookies. Tokens use the same shape as GoTrue so either identity provider can
// sit behind the route guard.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthenticatedRole is the database role GoTrue stamps on every user token.
const AuthenticatedRole = "authenticated"

var (
	// ErrInvalid covers malformed tokens, bad signatures and expired tokens.
	ErrInvalid = errors.New("invalid token")
)

// Claims is the access token payload.
type Claims struct {
	jwt.RegisteredClaims
	Phone        string         `json:"phone,omitempty"`
	Role         string         `json:"role,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// AppRole returns the application role recorded in user metadata, or "".
func (c *Claims) AppRole() string {
	if c == nil || c.UserMetadata == nil {
		return ""
	}
	role, _ := c.UserMetadata["role"].(string)
	return role
}

// Manager signs and verifies HS256 access tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewManager builds a Manager. issuer may be empty.
func NewManager(secret string, ttl time.Duration, issuer string) *Manager {
	return &Manager{secret: []byte(secret), ttl: ttl, issuer: issuer, now: time.Now}
}

// TTL returns the access token lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue signs an access token for subject bound to sessionID.
func (m *Manager) Issue(subject, phone, sessionID string, metadata map[string]any) (string, time.Time, error) {
	now := m.now().UTC()
	exp := now.Add(m.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Phone:        phone,
		Role:         AuthenticatedRole,
		SessionID:    sessionID,
		UserMetadata: metadata,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks the signature and expiry of tokenStr.
func (m *Manager) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithLeeway(5*time.Second),
	)
	_, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrInvalid)
	}
	return claims, nil
}
