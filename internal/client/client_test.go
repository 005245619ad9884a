package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagz55/gotryke-auth/internal/auth"
	"github.com/dagz55/gotryke-auth/internal/config"
	"github.com/dagz55/gotryke-auth/internal/logging"
	"github.com/dagz55/gotryke-auth/internal/notification"
	"github.com/dagz55/gotryke-auth/internal/profile"
	"github.com/dagz55/gotryke-auth/internal/routes"
	"github.com/dagz55/gotryke-auth/internal/session"
	"github.com/dagz55/gotryke-auth/internal/token"
)

type recordingNavigator struct {
	mu      sync.Mutex
	current string
	visits  []string
}

func (n *recordingNavigator) Path() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *recordingNavigator) Navigate(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = path
	n.visits = append(n.visits, path)
}

func (n *recordingNavigator) history() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.visits...)
}

type outbox struct {
	mu   sync.Mutex
	last string
}

func (o *outbox) Send(_ context.Context, m notification.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = m.Body[len(m.Body)-6:]
	return nil
}

func (o *outbox) code() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func newServer(t *testing.T) (*httptest.Server, *outbox) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	sms := &outbox{}
	app := fiber.New(fiber.Config{ErrorHandler: auth.ErrorHandler(logging.Discard())})
	err := routes.Setup(app, routes.Deps{
		Cfg: config.Config{
			AppName:           "gotryke-test",
			AppEnv:            "test",
			JWTSecret:         "client-test-secret",
			AccessTokenTTL:    time.Hour,
			RefreshTokenTTL:   24 * time.Hour,
			IdentityProvider:  config.ProviderLocal,
			SMSProvider:       config.SMSProviderLog,
			OTPTTL:            5 * time.Minute,
			OTPVerifiedTTL:    10 * time.Minute,
			SignupRequiresOTP: true,
			LoginRateLimit:    10,
			OTPRateLimit:      10,
		},
		Cache:    cache,
		Logger:   logging.Discard(),
		Registry: prometheus.NewRegistry(),
		Notifier: sms,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(adaptor.FiberApp(app))
	t.Cleanup(srv.Close)
	return srv, sms
}

func TestClientJourney(t *testing.T) {
	srv, sms := newServer(t)
	nav := &recordingNavigator{}
	c, err := New(Config{BaseURL: srv.URL, Navigator: nav})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Init(ctx))
	assert.False(t, c.Store().State().Authenticated())

	require.NoError(t, c.SendOTP(ctx, "9171234567", "signup"))
	require.NoError(t, c.VerifyOTP(ctx, "9171234567", sms.code(), "signup"))
	p, err := c.SignUpWithPin(ctx, "9171234567", "Test", profile.RolePassenger, "123456")
	require.NoError(t, err)
	assert.Equal(t, profile.RolePassenger, p.Role)
	assert.True(t, p.IsActive)

	err = c.SignInWithPin(ctx, "9171234567", "000000")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.False(t, c.Store().State().Authenticated())

	require.NoError(t, c.SignInWithPin(ctx, "9171234567", "123456"))
	state := c.Store().State()
	require.True(t, state.Authenticated())
	require.NotNil(t, state.Session)
	assert.NotEmpty(t, state.Session.AccessToken)
	assert.True(t, c.HasRole(profile.RolePassenger))
	assert.False(t, c.IsAdmin())
	assert.False(t, c.IsDispatcher())

	// Cookies from sign-in are in the jar, so a fresh Init sees the session.
	require.NoError(t, c.Init(ctx))
	assert.True(t, c.Store().State().Authenticated())

	require.NoError(t, c.UpdatePin(ctx, "123456", "654321"))
	require.NoError(t, c.SignOut(ctx))
	assert.False(t, c.Store().State().Authenticated())

	assert.Equal(t, []string{LoginPath, "/passenger", EntryPath}, nav.history())
}

func TestClientResetPin(t *testing.T) {
	srv, sms := newServer(t)
	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.SendOTP(ctx, "9171234567", "signup"))
	require.NoError(t, c.VerifyOTP(ctx, "9171234567", sms.code(), "signup"))
	_, err = c.SignUpWithPin(ctx, "9171234567", "Test", profile.RoleRider, "123456")
	require.NoError(t, err)

	require.NoError(t, c.RequestPINReset(ctx, "9171234567"))
	require.NoError(t, c.ResetPin(ctx, "9171234567", sms.code(), "112233"))
	require.NoError(t, c.SignInWithPin(ctx, "9171234567", "112233"))
	assert.True(t, c.HasRole(profile.RoleRider))
}

func TestInitRefreshesExpiredAccessToken(t *testing.T) {
	srv, sms := newServer(t)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	c, err := New(Config{BaseURL: srv.URL, HTTPClient: &http.Client{Jar: jar, Timeout: 5 * time.Second}})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.SendOTP(ctx, "9171234567", "signup"))
	require.NoError(t, c.VerifyOTP(ctx, "9171234567", sms.code(), "signup"))
	p, err := c.SignUpWithPin(ctx, "9171234567", "Test", profile.RolePassenger, "123456")
	require.NoError(t, err)
	require.NoError(t, c.SignInWithPin(ctx, "9171234567", "123456"))

	expired, _, err := token.NewManager("client-test-secret", -time.Minute, "gotryke-test").
		Issue(p.ID, p.Phone, "stale", map[string]any{"role": "passenger"})
	require.NoError(t, err)
	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	jar.SetCookies(base, []*http.Cookie{{Name: session.AccessCookie, Value: expired, Path: "/"}})

	require.NoError(t, c.Init(ctx))
	state := c.Store().State()
	require.True(t, state.Authenticated(), "refresh cookie still valid")
	require.NotNil(t, state.Session)
	assert.NotEqual(t, expired, state.Session.AccessToken)
	assert.True(t, c.HasRole(profile.RolePassenger))

	require.NoError(t, c.SignOut(ctx))
	jar.SetCookies(base, []*http.Cookie{{Name: session.AccessCookie, Value: expired, Path: "/"}})
	require.NoError(t, c.Init(ctx))
	assert.False(t, c.Store().State().Authenticated())
}

func TestClientRequiresSuccessFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/auth/signin":
			// 200 with a failure payload must not count as signed in.
			_, _ = w.Write([]byte(`{"success":false,"error":"invalid PIN"}`))
		case "/auth/send-otp":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"success":true}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"success":false,"error":"service temporarily unavailable, please retry"}`))
		}
	}))
	defer srv.Close()

	nav := &recordingNavigator{}
	c, err := New(Config{BaseURL: srv.URL, Navigator: nav})
	require.NoError(t, err)
	ctx := context.Background()

	err = c.SignInWithPin(ctx, "9171234567", "123456")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid PIN", apiErr.Message)
	assert.False(t, c.Store().State().Authenticated())
	assert.Empty(t, nav.history())

	err = c.SendOTP(ctx, "9171234567", "signup")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	err = c.VerifyOTP(ctx, "9171234567", "123456", "signup")
	assert.True(t, errors.Is(err, ErrUnreachable))
}

func TestNavigateIsIdempotent(t *testing.T) {
	nav := &recordingNavigator{current: "/passenger"}
	c, err := New(Config{BaseURL: "http://unused", Navigator: nav})
	require.NoError(t, err)

	c.navigate("/passenger")
	assert.Empty(t, nav.history())

	c.navigate("/admin")
	c.navigate("/admin")
	assert.Equal(t, []string{"/admin"}, nav.history())
}

func TestStoreSubscribe(t *testing.T) {
	s := NewStore()
	var seen []bool
	unsubscribe := s.Subscribe(func(st State) { seen = append(seen, st.Loading) })

	s.update(func(st *State) { st.Loading = true })
	s.update(func(st *State) { st.Loading = false })
	unsubscribe()
	s.update(func(st *State) { st.Loading = true })

	assert.Equal(t, []bool{true, false}, seen)
	assert.True(t, s.State().Loading)
}
