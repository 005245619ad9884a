// Package client is the Go SDK for the auth API. It keeps the signed-in
// user in a Store and drives page navigation once the server has answered.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/dagz55/gotryke-auth/internal/identity"
	"github.com/dagz55/gotryke-auth/internal/logging"
	"github.com/dagz55/gotryke-auth/internal/profile"
)

const (
	// EntryPath is where signed-out users land.
	EntryPath = "/"
	// LoginPath is shown after a successful sign-up.
	LoginPath = "/login"
)

// ErrUnreachable marks transport failures; the call may be retried.
var ErrUnreachable = errors.New("auth service unreachable")

// APIError is a rejected call. Status is the HTTP status, Message the
// server's error text.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth api: %d %s", e.Status, e.Message)
}

// Navigator moves the UI to another page.
type Navigator interface {
	Path() string
	Navigate(path string)
}

// Config wires a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Navigator  Navigator
	Store      *Store
	Logger     *slog.Logger
	Timeout    time.Duration
}

// Client calls the auth API and owns the session Store.
type Client struct {
	baseURL string
	http    *http.Client
	nav     Navigator
	store   *Store
	logger  *slog.Logger

	navMu      sync.Mutex
	navigating string
}

// New builds a Client with its own cookie jar unless HTTPClient already has one.
func New(cfg Config) (*Client, error) {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		hc.Jar = jar
	}
	store := cfg.Store
	if store == nil {
		store = NewStore()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		nav:     cfg.Navigator,
		store:   store,
		logger:  logger,
	}, nil
}

// Store returns the session store.
func (c *Client) Store() *Store { return c.store }

type envelope struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	User    *identity.User    `json:"user"`
	Profile *profile.Profile  `json:"profile"`
	Session *identity.Session `json:"session"`
}

// Init loads the current session, if any. An expired access token is
// refreshed once from the refresh cookie before the user counts as signed out.
func (c *Client) Init(ctx context.Context) error {
	c.store.update(func(s *State) { s.Loading = true })
	env, err := c.do(ctx, http.MethodGet, "/auth/me", nil)
	if unauthorized(err) {
		if err = c.Refresh(ctx); err == nil {
			env, err = c.do(ctx, http.MethodGet, "/auth/me", nil)
		}
	}
	if err != nil {
		c.store.update(func(s *State) { *s = State{} })
		if unauthorized(err) {
			return nil
		}
		return err
	}
	c.store.update(func(s *State) {
		s.User, s.Profile, s.Loading = env.User, env.Profile, false
	})
	return nil
}

// Refresh rotates the session with the refresh cookie held in the jar.
func (c *Client) Refresh(ctx context.Context) error {
	env, err := c.do(ctx, http.MethodPost, "/auth/refresh", nil)
	if err != nil {
		return err
	}
	c.store.update(func(s *State) { s.Session = env.Session })
	return nil
}

func unauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// SignInWithPin signs in and, once the server has set the cookies, navigates
// to the dashboard of the user's role.
func (c *Client) SignInWithPin(ctx context.Context, phone, pin string) error {
	env, err := c.do(ctx, http.MethodPost, "/auth/signin", map[string]string{"phone": phone, "pin": pin})
	if err != nil {
		return err
	}
	c.store.update(func(s *State) {
		s.User, s.Profile, s.Session, s.Loading = env.User, env.Profile, env.Session, false
	})
	role := profile.LeastPrivileged
	if env.Profile != nil && env.Profile.Role.Valid() {
		role = env.Profile.Role
	}
	c.navigate(role.Dashboard())
	return nil
}

// SignUpWithPin registers a passenger or rider and sends the user to the sign-in page.
func (c *Client) SignUpWithPin(ctx context.Context, phone, name string, role profile.Role, pin string) (profile.Profile, error) {
	env, err := c.do(ctx, http.MethodPost, "/auth/signup", map[string]string{
		"phone": phone,
		"name":  name,
		"role":  string(role),
		"pin":   pin,
	})
	if err != nil {
		return profile.Profile{}, err
	}
	c.navigate(LoginPath)
	if env.Profile == nil {
		return profile.Profile{}, nil
	}
	return *env.Profile, nil
}

// SendOTP asks for a verification code. purpose is "signup" or "reset".
func (c *Client) SendOTP(ctx context.Context, phone, purpose string) error {
	_, err := c.do(ctx, http.MethodPost, "/auth/send-otp", map[string]string{"phone": phone, "purpose": purpose})
	return err
}

// VerifyOTP checks a verification code.
func (c *Client) VerifyOTP(ctx context.Context, phone, code, purpose string) error {
	_, err := c.do(ctx, http.MethodPost, "/auth/verify-otp", map[string]string{"phone": phone, "code": code, "purpose": purpose})
	return err
}

// RequestPINReset sends a reset code to phone.
func (c *Client) RequestPINReset(ctx context.Context, phone string) error {
	_, err := c.do(ctx, http.MethodPost, "/auth/reset-pin", map[string]string{"phone": phone})
	return err
}

// ResetPin verifies the reset code and sets newPin.
func (c *Client) ResetPin(ctx context.Context, phone, code, newPin string) error {
	_, err := c.do(ctx, http.MethodPost, "/auth/reset-pin", map[string]string{"phone": phone, "otp": code, "newPin": newPin})
	return err
}

// UpdatePin changes the signed-in user's PIN.
func (c *Client) UpdatePin(ctx context.Context, currentPin, newPin string) error {
	_, err := c.do(ctx, http.MethodPost, "/auth/update-pin", map[string]string{"currentPin": currentPin, "newPin": newPin})
	return err
}

// SignOut ends the session. Local state is cleared even if the server call
// fails, then the user is sent to the entry page.
func (c *Client) SignOut(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/auth/signout", nil)
	if err != nil {
		c.logger.Warn("sign out request failed", slog.Any("error", err))
	}
	c.store.update(func(s *State) { *s = State{} })
	c.navigate(EntryPath)
	return err
}

// HasRole reports whether the current profile has role.
func (c *Client) HasRole(role profile.Role) bool {
	p := c.store.State().Profile
	return p != nil && p.Role == role
}

// IsAdmin reports whether the current user is an admin.
func (c *Client) IsAdmin() bool { return c.HasRole(profile.RoleAdmin) }

// IsDispatcher reports whether the current user is a dispatcher.
func (c *Client) IsDispatcher() bool { return c.HasRole(profile.RoleDispatcher) }

// navigate is a no-op when the UI is already on, or already moving to, path.
func (c *Client) navigate(path string) {
	if c.nav == nil {
		return
	}
	c.navMu.Lock()
	if c.navigating == path || c.nav.Path() == path {
		c.navMu.Unlock()
		return
	}
	c.navigating = path
	c.navMu.Unlock()

	c.nav.Navigate(path)

	c.navMu.Lock()
	if c.navigating == path {
		c.navigating = ""
	}
	c.navMu.Unlock()
}

// do sends a JSON request. A call succeeds only when the status is 2xx and
// the payload says success:true.
func (c *Client) do(ctx context.Context, method, path string, body any) (envelope, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return envelope{}, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return envelope{}, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}
	decodeErr := json.Unmarshal(raw, &env)

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok && decodeErr == nil && env.Success {
		return env, nil
	}
	msg := env.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return envelope{}, fmt.Errorf("%w: %w", ErrUnreachable, &APIError{Status: resp.StatusCode, Message: msg})
	}
	return envelope{}, &APIError{Status: resp.StatusCode, Message: msg}
}
