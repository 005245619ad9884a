package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// GoTrueConfig configures the GoTrue REST client.
type GoTrueConfig struct {
	URL            string
	AnonKey        string
	ServiceRoleKey string
	Timeout        time.Duration
	MaxRetries     uint64
	HTTPClient     *http.Client
}

// GoTrueProvider implements Provider against a GoTrue (Supabase Auth) server.
// Admin operations use the service-role key, token operations the anon key.
type GoTrueProvider struct {
	base       string
	anonKey    string
	serviceKey string
	client     *http.Client
	maxRetries uint64
}

// NewGoTrueProvider builds a GoTrue client. Timeout defaults to 10s.
func NewGoTrueProvider(cfg GoTrueConfig) *GoTrueProvider {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 2
	}
	return &GoTrueProvider{
		base:       strings.TrimRight(cfg.URL, "/") + "/auth/v1",
		anonKey:    cfg.AnonKey,
		serviceKey: cfg.ServiceRoleKey,
		client:     client,
		maxRetries: retries,
	}
}

type gotrueUser struct {
	ID           string         `json:"id"`
	Phone        string         `json:"phone"`
	UserMetadata map[string]any `json:"user_metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (u gotrueUser) user() User {
	phone := u.Phone
	if phone != "" && !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return User{ID: u.ID, Phone: phone, Metadata: u.UserMetadata, CreatedAt: u.CreatedAt.UTC()}
}

type gotrueSession struct {
	AccessToken  string     `json:"access_token"`
	TokenType    string     `json:"token_type"`
	ExpiresIn    int64      `json:"expires_in"`
	ExpiresAt    int64      `json:"expires_at"`
	RefreshToken string     `json:"refresh_token"`
	User         gotrueUser `json:"user"`
}

func (s gotrueSession) session() Session {
	return Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    s.TokenType,
		ExpiresIn:    s.ExpiresIn,
		ExpiresAt:    s.ExpiresAt,
		User:         s.User.user(),
	}
}

// APIError is a non-2xx answer from GoTrue.
type APIError struct {
	Status    int
	ErrorCode string
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gotrue: status %d: %s %s", e.Status, e.ErrorCode, e.Message)
}

// CreateUser creates a confirmed phone identity through the admin API.
func (p *GoTrueProvider) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	body := map[string]any{
		"phone":         in.Phone,
		"password":      in.Password,
		"phone_confirm": true,
		"user_metadata": nonNil(in.Metadata),
	}
	var out gotrueUser
	err := p.do(ctx, http.MethodPost, "/admin/users", p.serviceKey, p.serviceKey, body, &out, false)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnprocessableEntity || apiErr.ErrorCode == "phone_exists") {
			return User{}, fmt.Errorf("%w: %s", ErrUserExists, apiErr.Message)
		}
		return User{}, err
	}
	return out.user(), nil
}

// GetUser loads a user through the admin API.
func (p *GoTrueProvider) GetUser(ctx context.Context, id string) (User, error) {
	var out gotrueUser
	if err := p.do(ctx, http.MethodGet, "/admin/users/"+url.PathEscape(id), p.serviceKey, p.serviceKey, nil, &out, true); err != nil {
		return User{}, mapNotFound(err)
	}
	return out.user(), nil
}

// UpdateUser changes password and/or metadata. GoTrue replaces
// user_metadata wholesale, so the current metadata is merged first.
func (p *GoTrueProvider) UpdateUser(ctx context.Context, id string, in UpdateUserInput) (User, error) {
	body := map[string]any{}
	if in.Password != nil {
		body["password"] = *in.Password
	}
	if in.Metadata != nil {
		current, err := p.GetUser(ctx, id)
		if err != nil {
			return User{}, err
		}
		body["user_metadata"] = mergeMetadata(current.Metadata, in.Metadata)
	}
	var out gotrueUser
	if err := p.do(ctx, http.MethodPut, "/admin/users/"+url.PathEscape(id), p.serviceKey, p.serviceKey, body, &out, false); err != nil {
		return User{}, mapNotFound(err)
	}
	return out.user(), nil
}

// DeleteUser removes the identity. Deleting is idempotent on the server, so it is retried.
func (p *GoTrueProvider) DeleteUser(ctx context.Context, id string) error {
	err := p.do(ctx, http.MethodDelete, "/admin/users/"+url.PathEscape(id), p.serviceKey, p.serviceKey, nil, nil, true)
	return mapNotFound(err)
}

// SignInWithPassword uses the password grant.
func (p *GoTrueProvider) SignInWithPassword(ctx context.Context, phone, password string) (Session, error) {
	var out gotrueSession
	body := map[string]any{"phone": phone, "password": password}
	if err := p.do(ctx, http.MethodPost, "/token?grant_type=password", p.anonKey, p.anonKey, body, &out, true); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			return Session{}, fmt.Errorf("%w: %s", ErrInvalidCredentials, apiErr.Message)
		}
		return Session{}, err
	}
	return out.session(), nil
}

// RefreshSession uses the refresh_token grant.
func (p *GoTrueProvider) RefreshSession(ctx context.Context, refreshToken string) (Session, error) {
	var out gotrueSession
	body := map[string]any{"refresh_token": refreshToken}
	if err := p.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", p.anonKey, p.anonKey, body, &out, true); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			return Session{}, fmt.Errorf("%w: %s", ErrInvalidRefreshToken, apiErr.Message)
		}
		return Session{}, err
	}
	return out.session(), nil
}

// SignOut revokes the session belonging to accessToken. Already revoked
// tokens are not an error.
func (p *GoTrueProvider) SignOut(ctx context.Context, accessToken string) error {
	err := p.do(ctx, http.MethodPost, "/logout", p.anonKey, accessToken, nil, nil, false)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden || apiErr.Status == http.StatusNotFound) {
		return nil
	}
	return err
}

func (p *GoTrueProvider) do(ctx context.Context, method, path, apiKey, bearer string, body, out any, retry bool) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode gotrue request: %w", err)
		}
	}

	op := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, p.base+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build gotrue request: %w", err))
		}
		req.Header.Set("apikey", apiKey)
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return backoff.Permanent(decodeAPIError(resp.StatusCode, raw))
		}
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode gotrue response: %w", err))
			}
		}
		return nil
	}

	if !retry {
		err := op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), p.maxRetries), ctx)
	return backoff.Retry(op, policy)
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	return b
}

func decodeAPIError(status int, raw []byte) *APIError {
	var body struct {
		ErrorCode        string `json:"error_code"`
		Error            string `json:"error"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(raw, &body)
	apiErr := &APIError{Status: status, ErrorCode: body.ErrorCode}
	if apiErr.ErrorCode == "" {
		apiErr.ErrorCode = body.Error
	}
	for _, m := range []string{body.Msg, body.Message, body.ErrorDescription} {
		if m != "" {
			apiErr.Message = m
			break
		}
	}
	return apiErr
}

func mapNotFound(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}
