package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagz55/gotryke-auth/internal/credential"
	"github.com/dagz55/gotryke-auth/internal/drift"
	"github.com/dagz55/gotryke-auth/internal/identity"
	"github.com/dagz55/gotryke-auth/internal/notification"
	"github.com/dagz55/gotryke-auth/internal/otp"
	"github.com/dagz55/gotryke-auth/internal/profile"
	"github.com/dagz55/gotryke-auth/internal/token"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (n *captureNotifier) Send(_ context.Context, m notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
	return nil
}

func (n *captureNotifier) lastCode(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.sent)
	body := n.sent[len(n.sent)-1].Body
	return body[len(body)-6:]
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// failingProfiles fails selected writes of an otherwise working repository.
type failingProfiles struct {
	profile.Repository
	createErr error
	hashErrs  []error
}

func (f *failingProfiles) Create(ctx context.Context, p profile.Profile) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Repository.Create(ctx, p)
}

func (f *failingProfiles) UpdatePINHash(ctx context.Context, id, hash string) error {
	if len(f.hashErrs) > 0 {
		err := f.hashErrs[0]
		f.hashErrs = f.hashErrs[1:]
		if err != nil {
			return err
		}
	}
	return f.Repository.UpdatePINHash(ctx, id, hash)
}

// failingProvider fails selected identity calls.
type failingProvider struct {
	identity.Provider
	createErr error
	deleteErr error
	updateErr error
	deleted   []string
}

func (f *failingProvider) CreateUser(ctx context.Context, in identity.CreateUserInput) (identity.User, error) {
	if f.createErr != nil {
		return identity.User{}, f.createErr
	}
	return f.Provider.CreateUser(ctx, in)
}

func (f *failingProvider) DeleteUser(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Provider.DeleteUser(ctx, id)
}

func (f *failingProvider) UpdateUser(ctx context.Context, id string, in identity.UpdateUserInput) (identity.User, error) {
	if f.updateErr != nil {
		return identity.User{}, f.updateErr
	}
	return f.Provider.UpdateUser(ctx, id, in)
}

type fixture struct {
	svc      *Service
	provider *failingProvider
	profiles *failingProfiles
	identity identity.Store
	notifier *captureNotifier
	drift    drift.Reporter
	tokens   *token.Manager
	sessions *identity.LocalProvider
}

func newFixture(t *testing.T, requireVerified bool) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	hasher := credential.NewHasherWithCost(4)
	tokens := token.NewManager("test-secret", time.Hour, "gotryke-test")
	store := identity.NewMemoryStore()
	local := identity.NewLocalProvider(store, identity.NewMemorySessionStore(), tokens, hasher, 24*time.Hour)
	provider := &failingProvider{Provider: local}
	profiles := &failingProfiles{Repository: profile.NewMemoryRepository()}
	notifier := &captureNotifier{}
	reporter := drift.NewMemoryReporter()

	channel := otp.NewChannel(otp.ChannelDeps{
		Provider: otp.NewRedisProvider(client, notifier, 5*time.Minute),
		Profiles: profiles,
		Verified: otp.NewRedisVerifiedStore(client),
	})
	svc := NewService(Deps{
		Provider:             provider,
		Profiles:             profiles,
		Hasher:               hasher,
		OTP:                  channel,
		Drift:                reporter,
		RequireVerifiedPhone: requireVerified,
	})
	return &fixture{
		svc:      svc,
		provider: provider,
		profiles: profiles,
		identity: store,
		notifier: notifier,
		drift:    reporter,
		tokens:   tokens,
		sessions: local,
	}
}

func passenger() SignUpInput {
	return SignUpInput{Phone: "9171234567", Name: "Test", Role: "passenger", PIN: "123456"}
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	require.Error(t, err)
	return Classify(err).Kind
}

func TestSignUpThenSignIn(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	p, err := f.svc.SignUp(ctx, passenger())
	require.NoError(t, err)
	assert.Equal(t, "+639171234567", p.Phone)
	assert.Equal(t, profile.RolePassenger, p.Role)
	assert.True(t, p.IsActive)
	assert.NotEqual(t, "123456", p.PINHash)

	rec, err := f.identity.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "passenger", rec.Metadata["role"])
	assert.NotContains(t, rec.Metadata, "pin_hash")

	res, err := f.svc.SignIn(ctx, "0917-123-4567", "123456")
	require.NoError(t, err)
	assert.True(t, res.Session.Valid())
	assert.Equal(t, p.ID, res.Profile.ID)
	require.NotNil(t, res.Profile.LastLogin)

	claims, err := f.tokens.Verify(res.Session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "passenger", claims.AppRole())
}

func TestSignUpRejections(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	admin := passenger()
	admin.Role = "admin"
	_, err := f.svc.SignUp(ctx, admin)
	assert.Equal(t, KindValidation, kindOf(t, err))

	badPIN := passenger()
	badPIN.PIN = "12ab"
	_, err = f.svc.SignUp(ctx, badPIN)
	assert.Equal(t, KindValidation, kindOf(t, err))

	_, err = f.svc.SignUp(ctx, passenger())
	require.NoError(t, err)
	again := passenger()
	again.Phone = "+63 917 123 4567"
	_, err = f.svc.SignUp(ctx, again)
	assert.Equal(t, KindConflict, kindOf(t, err))
	assert.Equal(t, http.StatusConflict, Classify(err).Status())
}

func TestCreateUserAllowsAnyRole(t *testing.T) {
	f := newFixture(t, false)
	in := passenger()
	in.Role = "dispatcher"
	p, err := f.svc.CreateUser(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, profile.RoleDispatcher, p.Role)
}

func TestSignInFailures(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p, err := f.svc.SignUp(ctx, passenger())
	require.NoError(t, err)

	_, err = f.svc.SignIn(ctx, "9171234567", "654321")
	assert.Equal(t, KindCredentials, kindOf(t, err))
	assert.Equal(t, "invalid PIN", Classify(err).Public())

	_, err = f.svc.SignIn(ctx, "9181111111", "123456")
	assert.Equal(t, KindNotFound, kindOf(t, err))
	assert.Equal(t, "user not found or inactive", Classify(err).Public())

	inactive := false
	_, err = f.profiles.Update(ctx, p.ID, profile.Update{IsActive: &inactive})
	require.NoError(t, err)
	_, err = f.svc.SignIn(ctx, "9171234567", "123456")
	assert.Equal(t, KindNotFound, kindOf(t, err))
}

func TestSignUpRequiresVerifiedPhone(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.SignUp(ctx, passenger())
	require.ErrorIs(t, err, otp.ErrNotVerified)

	require.NoError(t, f.svc.SendOTP(ctx, "9171234567", otp.PurposeSignup))
	require.NoError(t, f.svc.VerifyOTP(ctx, "09171234567", f.notifier.lastCode(t), otp.PurposeSignup))

	_, err = f.svc.SignUp(ctx, passenger())
	require.NoError(t, err)

	err = f.svc.SendOTP(ctx, "9171234567", otp.PurposeSignup)
	assert.ErrorIs(t, err, otp.ErrAccountExists)
}

func TestSignUpKeepsVerificationWhenProviderFails(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.svc.SendOTP(ctx, "9171234567", otp.PurposeSignup))
	require.NoError(t, f.svc.VerifyOTP(ctx, "9171234567", f.notifier.lastCode(t), otp.PurposeSignup))

	f.provider.createErr = fmt.Errorf("%w: status 503", identity.ErrUnavailable)
	_, err := f.svc.SignUp(ctx, passenger())
	assert.Equal(t, KindUnavailable, kindOf(t, err))

	f.provider.createErr = nil
	p, err := f.svc.SignUp(ctx, passenger())
	require.NoError(t, err, "retry needs no new code")
	assert.Equal(t, "+639171234567", p.Phone)
	assert.Equal(t, 1, f.notifier.count())
}

func TestSignUpRollsBackIdentityWhenProfileFails(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.profiles.createErr = errors.New("insert failed")

	_, err := f.svc.SignUp(ctx, passenger())
	assert.Equal(t, KindConsistency, kindOf(t, err))
	require.Len(t, f.provider.deleted, 1)

	_, err = f.identity.FindByPhone(ctx, "+639171234567")
	assert.ErrorIs(t, err, identity.ErrNotFound)

	records, err := f.svc.Drift(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, records)

	f.profiles.createErr = nil
	_, err = f.svc.SignUp(ctx, passenger())
	require.NoError(t, err, "phone is free again after rollback")
}

func TestSignUpReportsDriftWhenRollbackFails(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.profiles.createErr = errors.New("insert failed")
	f.provider.deleteErr = identity.ErrUnavailable

	_, err := f.svc.SignUp(ctx, passenger())
	assert.Equal(t, KindConsistency, kindOf(t, err))
	assert.Equal(t, http.StatusInternalServerError, Classify(err).Status())

	records, err := f.svc.Drift(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "+639171234567", records[0].Phone)
	assert.Equal(t, f.provider.deleted[0], records[0].IdentityID)
}

func TestUpdatePIN(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p, err := f.svc.SignUp(ctx, passenger())
	require.NoError(t, err)

	err = f.svc.UpdatePIN(ctx, p.ID, "000000", "222222")
	assert.Equal(t, KindCredentials, kindOf(t, err))

	require.NoError(t, f.svc.UpdatePIN(ctx, p.ID, "123456", "222222"))

	_, err = f.svc.SignIn(ctx, "9171234567", "123456")
	assert.Error(t, err)
	_, err = f.svc.SignIn(ctx, "9171234567", "222222")
	require.NoError(t, err)
}

func TestUpdatePINRestoresHashWhenIdentityFails(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p, err := f.svc.SignUp(ctx, passenger())
	require.NoError(t, err)

	f.provider.updateErr = identity.ErrUnavailable
	err = f.svc.UpdatePIN(ctx, p.ID, "123456", "222222")
	assert.Equal(t, KindUnavailable, kindOf(t, err))

	f.provider.updateErr = nil
	_, err = f.svc.SignIn(ctx, "9171234567", "123456")
	require.NoError(t, err, "old PIN still works on both stores")
}

func TestUpdatePINReportsDriftWhenRestoreFails(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p, err := f.svc.SignUp(ctx, passenger())
	require.NoError(t, err)

	f.provider.updateErr = identity.ErrUnavailable
	f.profiles.hashErrs = []error{nil, errors.New("restore failed")}
	err = f.svc.UpdatePIN(ctx, p.ID, "123456", "222222")
	assert.Equal(t, KindConsistency, kindOf(t, err))

	records, err := f.svc.Drift(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, p.ID, records[0].IdentityID)
}

func TestResetPIN(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	err := f.svc.RequestPINReset(ctx, "9171234567")
	require.ErrorIs(t, err, otp.ErrNoAccount)
	assert.Equal(t, 0, f.notifier.count())

	_, err = f.svc.SignUp(ctx, passenger())
	require.NoError(t, err)
	require.NoError(t, f.svc.RequestPINReset(ctx, "9171234567"))
	code := f.notifier.lastCode(t)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	err = f.svc.ResetPIN(ctx, "9171234567", wrong, "333333")
	assert.ErrorIs(t, err, otp.ErrInvalidCode)

	require.NoError(t, f.svc.ResetPIN(ctx, "9171234567", code, "333333"))
	_, err = f.svc.SignIn(ctx, "9171234567", "333333")
	require.NoError(t, err)

	err = f.svc.ResetPIN(ctx, "9171234567", code, "444444")
	assert.Error(t, err, "reset codes are single use")
}

func TestResetPINByPhoneUnknown(t *testing.T) {
	f := newFixture(t, false)
	err := f.svc.ResetPINByPhone(context.Background(), "9171234567", "123456")
	assert.Equal(t, KindNotFound, kindOf(t, err))
	assert.Equal(t, "no account found", Classify(err).Public())
}

func TestUpdateProfileMirrorsName(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p, err := f.svc.SignUp(ctx, passenger())
	require.NoError(t, err)

	name := "Juan Dela Cruz"
	updated, err := f.svc.UpdateProfile(ctx, p.ID, ProfileUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)

	user, _, err := f.svc.Current(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, name, user.Metadata["name"])

	_, err = f.svc.UpdateProfile(ctx, p.ID, ProfileUpdate{})
	assert.Equal(t, KindValidation, kindOf(t, err))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		kind   Kind
		status int
	}{
		{&credential.ValidationError{Field: "pin", Message: "PIN must be 6 digits"}, KindValidation, http.StatusBadRequest},
		{identity.ErrUnavailable, KindUnavailable, http.StatusServiceUnavailable},
		{otp.ErrUnavailable, KindUnavailable, http.StatusServiceUnavailable},
		{identity.ErrUserExists, KindConflict, http.StatusConflict},
		{profile.ErrPhoneTaken, KindConflict, http.StatusConflict},
		{identity.ErrInvalidRefreshToken, KindUnauthorized, http.StatusUnauthorized},
		{profile.ErrNotFound, KindNotFound, http.StatusNotFound},
		{otp.ErrInvalidCode, KindValidation, http.StatusBadRequest},
		{&otp.TwilioError{Status: http.StatusTooManyRequests, Code: 60203}, KindRateLimited, http.StatusTooManyRequests},
		{&otp.TwilioError{Status: http.StatusBadRequest, Code: 60200}, KindValidation, http.StatusBadRequest},
		{&otp.TwilioError{Status: http.StatusUnauthorized, Code: 20003}, KindUpstream, http.StatusInternalServerError},
		{errors.New("boom"), KindUpstream, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got := Classify(tc.err)
		assert.Equal(t, tc.kind, got.Kind, tc.err.Error())
		assert.Equal(t, tc.status, got.Status(), tc.err.Error())
	}
	assert.Equal(t, msgInternal, Classify(errors.New("pq: secret detail")).Public())
}
