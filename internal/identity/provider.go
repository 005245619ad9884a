// Package identity talks to the identity provider that owns credentials and
// sessions. Two providers exist: a GoTrue (Supabase Auth) REST client and a
// self-hosted provider backed by Postgres and Redis.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUserExists is returned when the phone number already has an identity.
	ErrUserExists = errors.New("identity already exists")
	// ErrNotFound is returned when no identity matches.
	ErrNotFound = errors.New("identity not found")
	// ErrInvalidCredentials is returned when the password exchange is rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidRefreshToken is returned when a refresh token is unknown, revoked or expired.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrUnavailable marks transport failures and 5xx answers; callers may retry.
	ErrUnavailable = errors.New("identity provider unavailable")
)

// User is the provider-owned identity record.
type User struct {
	ID        string         `json:"id"`
	Phone     string         `json:"phone"`
	Metadata  map[string]any `json:"user_metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Session is an access/refresh token pair bound to a user.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// Valid reports whether both tokens are present.
func (s Session) Valid() bool {
	return s.AccessToken != "" && s.RefreshToken != ""
}

// CreateUserInput describes a new identity. Password is the user's PIN.
type CreateUserInput struct {
	Phone    string
	Password string
	Metadata map[string]any
}

// UpdateUserInput lists identity changes; nil fields are left untouched.
type UpdateUserInput struct {
	Password *string
	Metadata map[string]any
}

// Provider is the identity provider port.
type Provider interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	UpdateUser(ctx context.Context, id string, in UpdateUserInput) (User, error)
	DeleteUser(ctx context.Context, id string) error
	SignInWithPassword(ctx context.Context, phone, password string) (Session, error)
	RefreshSession(ctx context.Context, refreshToken string) (Session, error)
	SignOut(ctx context.Context, accessToken string) error
}

func mergeMetadata(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
