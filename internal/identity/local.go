package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dagz55/gotryke-auth/internal/token"
)

// PasswordHasher is satisfied by credential.Hasher.
type PasswordHasher interface {
	Hash(secret string) (string, error)
	Verify(secret, hash string) bool
}

// LocalProvider is a self-hosted identity provider: identities live in Store,
// refresh sessions in SessionStore, access tokens are signed by token.Manager.
type LocalProvider struct {
	store      Store
	sessions   SessionStore
	tokens     *token.Manager
	hasher     PasswordHasher
	refreshTTL time.Duration
	now        func() time.Time
}

// NewLocalProvider wires a LocalProvider.
func NewLocalProvider(store Store, sessions SessionStore, tokens *token.Manager, hasher PasswordHasher, refreshTTL time.Duration) *LocalProvider {
	return &LocalProvider{
		store:      store,
		sessions:   sessions,
		tokens:     tokens,
		hasher:     hasher,
		refreshTTL: refreshTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateUser stores a new identity with a hashed password.
func (p *LocalProvider) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	hash, err := p.hasher.Hash(in.Password)
	if err != nil {
		return User{}, err
	}
	now := p.now()
	rec := Record{
		ID:           uuid.NewString(),
		Phone:        in.Phone,
		PasswordHash: hash,
		Metadata:     nonNil(in.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.store.Create(ctx, rec); err != nil {
		return User{}, err
	}
	return rec.user(), nil
}

// GetUser loads an identity by id.
func (p *LocalProvider) GetUser(ctx context.Context, id string) (User, error) {
	rec, err := p.store.FindByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	return rec.user(), nil
}

// UpdateUser changes the password and/or merges metadata.
func (p *LocalProvider) UpdateUser(ctx context.Context, id string, in UpdateUserInput) (User, error) {
	rec, err := p.store.FindByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	if in.Password != nil {
		hash, err := p.hasher.Hash(*in.Password)
		if err != nil {
			return User{}, err
		}
		rec.PasswordHash = hash
	}
	if in.Metadata != nil {
		rec.Metadata = mergeMetadata(rec.Metadata, in.Metadata)
	}
	rec.UpdatedAt = p.now()
	if err := p.store.Save(ctx, rec); err != nil {
		return User{}, err
	}
	return rec.user(), nil
}

// DeleteUser removes the identity and revokes its sessions.
func (p *LocalProvider) DeleteUser(ctx context.Context, id string) error {
	if err := p.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := p.sessions.DeleteUser(ctx, id); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

// SignInWithPassword exchanges phone and password for a new session.
func (p *LocalProvider) SignInWithPassword(ctx context.Context, phone, password string) (Session, error) {
	rec, err := p.store.FindByPhone(ctx, phone)
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if !p.hasher.Verify(password, rec.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}
	return p.issue(ctx, rec, uuid.NewString())
}

// RefreshSession rotates the refresh token and issues a new access token.
func (p *LocalProvider) RefreshSession(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, ErrInvalidRefreshToken
	}
	sess, err := p.sessions.FindByRefresh(ctx, refreshToken)
	if err != nil {
		return Session{}, err
	}
	rec, err := p.store.FindByID(ctx, sess.UserID)
	if errors.Is(err, ErrNotFound) {
		_ = p.sessions.Delete(ctx, sess.ID)
		return Session{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return Session{}, err
	}
	return p.issue(ctx, rec, sess.ID)
}

// SignOut revokes the session the access token belongs to.
func (p *LocalProvider) SignOut(ctx context.Context, accessToken string) error {
	claims, err := p.tokens.Verify(accessToken)
	if err != nil {
		return nil
	}
	if claims.SessionID == "" {
		return nil
	}
	return p.sessions.Delete(ctx, claims.SessionID)
}

// SessionActive reports whether the session behind an access token has not
// been signed out or revoked.
func (p *LocalProvider) SessionActive(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	return p.sessions.Exists(ctx, sessionID)
}

func (p *LocalProvider) issue(ctx context.Context, rec Record, sessionID string) (Session, error) {
	access, exp, err := p.tokens.Issue(rec.ID, rec.Phone, sessionID, rec.Metadata)
	if err != nil {
		return Session{}, err
	}
	refresh, err := newRefreshToken()
	if err != nil {
		return Session{}, err
	}
	err = p.sessions.Save(ctx, SessionRecord{
		ID:           sessionID,
		UserID:       rec.ID,
		RefreshToken: refresh,
		CreatedAt:    p.now(),
	}, p.refreshTTL)
	if err != nil {
		return Session{}, err
	}
	return Session{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(p.tokens.TTL().Seconds()),
		ExpiresAt:    exp.Unix(),
		User:         rec.user(),
	}, nil
}

func newRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
