// Package auth implements the phone + PIN account flows on top of the
// identity provider and the profile table.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dagz55/gotryke-auth/internal/credential"
	"github.com/dagz55/gotryke-auth/internal/drift"
	"github.com/dagz55/gotryke-auth/internal/identity"
	"github.com/dagz55/gotryke-auth/internal/logging"
	"github.com/dagz55/gotryke-auth/internal/metrics"
	"github.com/dagz55/gotryke-auth/internal/otp"
	"github.com/dagz55/gotryke-auth/internal/phone"
	"github.com/dagz55/gotryke-auth/internal/profile"
)

// compensationTimeout bounds cleanup writes that run after the request context may be gone.
const compensationTimeout = 10 * time.Second

// PINHasher is satisfied by credential.Hasher.
type PINHasher interface {
	Hash(pin string) (string, error)
	Verify(pin, hash string) bool
}

// Deps wires a Service.
type Deps struct {
	Provider identity.Provider
	Profiles profile.Repository
	Hasher   PINHasher
	OTP      *otp.Channel
	Drift    drift.Reporter
	Metrics  *metrics.Auth
	Logger   *slog.Logger
	// RequireVerifiedPhone makes public sign-up consume an OTP verification marker.
	RequireVerifiedPhone bool
}

// Service runs the account flows.
type Service struct {
	provider      identity.Provider
	profiles      profile.Repository
	hasher        PINHasher
	otp           *otp.Channel
	drift         drift.Reporter
	metrics       *metrics.Auth
	logger        *slog.Logger
	requireVerify bool
	now           func() time.Time
}

// NewService builds a Service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	reporter := d.Drift
	if reporter == nil {
		reporter = drift.NewMemoryReporter()
	}
	return &Service{
		provider:      d.Provider,
		profiles:      d.Profiles,
		hasher:        d.Hasher,
		otp:           d.OTP,
		drift:         reporter,
		metrics:       d.Metrics,
		logger:        logger,
		requireVerify: d.RequireVerifiedPhone,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SignUpInput is a new account request.
type SignUpInput struct {
	Phone    string
	Name     string
	Role     string
	PIN      string
	Metadata map[string]any
}

// SignInResult is returned by a successful sign-in.
type SignInResult struct {
	User    identity.User
	Session identity.Session
	Profile profile.Profile
}

func (in SignUpInput) validate() (profile.Role, error) {
	if err := credential.ValidatePhone(in.Phone); err != nil {
		return "", err
	}
	if err := credential.ValidateName(in.Name); err != nil {
		return "", err
	}
	role, err := profile.ParseRole(strings.ToLower(strings.TrimSpace(in.Role)))
	if err != nil {
		return "", validation("role must be one of admin, dispatcher, guide, passenger, rider")
	}
	if err := credential.ValidatePIN(in.PIN); err != nil {
		return "", err
	}
	return role, nil
}

// SignUp is the public registration path. Only passenger and rider may
// self-register; when phone verification is required the OTP marker for
// sign-up is consumed, and put back if the account could not be created.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (profile.Profile, error) {
	role, err := in.validate()
	if err != nil {
		s.metrics.SignUp("invalid")
		return profile.Profile{}, err
	}
	if !role.PublicSignup() {
		s.metrics.SignUp("invalid")
		return profile.Profile{}, validation("role must be passenger or rider")
	}
	canonical := phone.Normalize(in.Phone)
	if err := s.ensureNoProfile(ctx, canonical); err != nil {
		s.metrics.SignUp("exists")
		return profile.Profile{}, err
	}
	if s.requireVerify {
		if s.otp == nil {
			return profile.Profile{}, otp.ErrNotVerified
		}
		if err := s.otp.ConsumeVerified(ctx, canonical, otp.PurposeSignup); err != nil {
			s.metrics.SignUp("unverified")
			return profile.Profile{}, err
		}
	}
	p, err := s.create(ctx, canonical, role, in)
	if err != nil && s.requireVerify {
		if rerr := s.otp.RestoreVerified(ctx, canonical, otp.PurposeSignup); rerr != nil {
			s.logger.Warn("verification marker lost",
				slog.String("phone", logging.MaskPhone(canonical)),
				slog.Any("error", rerr),
			)
		}
	}
	return p, err
}

// CreateUser registers an account with any role. Callers gate access.
func (s *Service) CreateUser(ctx context.Context, in SignUpInput) (profile.Profile, error) {
	role, err := in.validate()
	if err != nil {
		return profile.Profile{}, err
	}
	canonical := phone.Normalize(in.Phone)
	if err := s.ensureNoProfile(ctx, canonical); err != nil {
		return profile.Profile{}, err
	}
	return s.create(ctx, canonical, role, in)
}

func (s *Service) ensureNoProfile(ctx context.Context, canonical string) error {
	_, err := s.profiles.FindByPhone(ctx, canonical)
	switch {
	case err == nil:
		return &Error{Kind: KindConflict, Msg: "account already exists"}
	case errors.Is(err, profile.ErrNotFound):
		return nil
	default:
		return err
	}
}

// create writes the identity, then the profile. A failed profile insert
// deletes the identity again; if that delete fails the orphan is reported.
func (s *Service) create(ctx context.Context, canonical string, role profile.Role, in SignUpInput) (profile.Profile, error) {
	hash, err := s.hasher.Hash(in.PIN)
	if err != nil {
		return profile.Profile{}, err
	}
	name := strings.TrimSpace(in.Name)

	user, err := s.provider.CreateUser(ctx, identity.CreateUserInput{
		Phone:    canonical,
		Password: in.PIN,
		Metadata: map[string]any{"name": name, "role": string(role)},
	})
	if err != nil {
		s.metrics.SignUp("identity_failed")
		return profile.Profile{}, err
	}

	now := s.now()
	p := profile.Profile{
		ID:        user.ID,
		Phone:     canonical,
		Name:      name,
		Role:      role,
		IsActive:  true,
		PINHash:   hash,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.profiles.Create(ctx, p); err != nil {
		s.metrics.SignUp("profile_failed")
		return profile.Profile{}, s.compensateCreate(ctx, user, err)
	}

	s.metrics.SignUp("created")
	s.logger.Info("account created",
		slog.String("user_id", user.ID),
		slog.String("phone", logging.MaskPhone(canonical)),
		slog.String("role", string(role)),
	)
	return p, nil
}

func (s *Service) compensateCreate(ctx context.Context, user identity.User, cause error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if delErr := s.provider.DeleteUser(cctx, user.ID); delErr != nil && !errors.Is(delErr, identity.ErrNotFound) {
		s.reportDrift(cctx, user.ID, user.Phone, "profile insert failed and identity delete failed", errors.Join(cause, delErr))
		return &Error{Kind: KindConsistency, Msg: "account could not be created; support has been notified", Err: errors.Join(cause, delErr)}
	}
	s.logger.Warn("profile insert failed, identity rolled back",
		slog.String("user_id", user.ID),
		slog.Any("error", cause),
	)
	if errors.Is(cause, profile.ErrPhoneTaken) {
		return &Error{Kind: KindConflict, Msg: "account already exists", Err: cause}
	}
	return &Error{Kind: KindConsistency, Msg: "account could not be created, please try again", Err: cause}
}

func (s *Service) reportDrift(ctx context.Context, userID, phoneNumber, reason string, cause error) {
	s.metrics.DriftDetected()
	s.logger.Error("identity and profile stores diverged",
		slog.String("user_id", userID),
		slog.String("phone", logging.MaskPhone(phoneNumber)),
		slog.String("reason", reason),
		slog.Any("error", cause),
	)
	rec := drift.Record{IdentityID: userID, Phone: phoneNumber, Reason: reason, DetectedAt: s.now()}
	if err := s.drift.Report(ctx, rec); err != nil {
		s.logger.Error("drift report failed", slog.String("user_id", userID), slog.Any("error", err))
	}
}

// SignIn checks the PIN against the profile, then exchanges it for a session.
func (s *Service) SignIn(ctx context.Context, rawPhone, pin string) (SignInResult, error) {
	if err := credential.ValidatePhone(rawPhone); err != nil {
		s.metrics.SignIn("invalid")
		return SignInResult{}, err
	}
	if err := credential.ValidatePIN(pin); err != nil {
		s.metrics.SignIn("invalid")
		return SignInResult{}, err
	}
	canonical := phone.Normalize(rawPhone)

	p, err := s.profiles.FindByPhone(ctx, canonical)
	if errors.Is(err, profile.ErrNotFound) || (err == nil && !p.IsActive) {
		s.metrics.SignIn("not_found")
		return SignInResult{}, &Error{Kind: KindNotFound, Msg: "user not found or inactive"}
	}
	if err != nil {
		s.metrics.SignIn("error")
		return SignInResult{}, err
	}
	if !s.hasher.Verify(pin, p.PINHash) {
		s.metrics.SignIn("invalid_pin")
		return SignInResult{}, &Error{Kind: KindCredentials, Msg: "invalid PIN"}
	}

	sess, err := s.provider.SignInWithPassword(ctx, canonical, pin)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			s.logger.Warn("profile PIN accepted but identity password rejected",
				slog.String("user_id", p.ID),
				slog.Any("error", err),
			)
		}
		s.metrics.SignIn("error")
		return SignInResult{}, err
	}

	now := s.now()
	if err := s.profiles.TouchLastLogin(ctx, p.ID, now); err != nil {
		s.logger.Warn("last login not recorded", slog.String("user_id", p.ID), slog.Any("error", err))
	} else {
		p.LastLogin = &now
	}

	s.metrics.SignIn("success")
	s.logger.Info("signed in", slog.String("user_id", p.ID), slog.String("role", string(p.Role)))
	return SignInResult{User: sess.User, Session: sess, Profile: p}, nil
}

// UpdatePIN replaces the PIN of userID after re-checking the current one.
func (s *Service) UpdatePIN(ctx context.Context, userID, currentPIN, newPIN string) error {
	if err := credential.ValidatePIN(currentPIN); err != nil {
		return err
	}
	if err := credential.ValidatePIN(newPIN); err != nil {
		return err
	}
	p, err := s.profiles.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(currentPIN, p.PINHash) {
		return &Error{Kind: KindCredentials, Msg: "current PIN is incorrect"}
	}
	return s.replacePIN(ctx, p, newPIN)
}

// ResetPINByPhone overwrites the PIN without checking the old one. The caller
// must have verified phone ownership.
func (s *Service) ResetPINByPhone(ctx context.Context, rawPhone, newPIN string) error {
	if err := credential.ValidatePhone(rawPhone); err != nil {
		return err
	}
	if err := credential.ValidatePIN(newPIN); err != nil {
		return err
	}
	p, err := s.profiles.FindByPhone(ctx, phone.Normalize(rawPhone))
	if errors.Is(err, profile.ErrNotFound) {
		return &Error{Kind: KindNotFound, Msg: "no account found"}
	}
	if err != nil {
		return err
	}
	return s.replacePIN(ctx, p, newPIN)
}

// RequestPINReset sends a reset code to a registered phone.
func (s *Service) RequestPINReset(ctx context.Context, rawPhone string) error {
	return s.SendOTP(ctx, rawPhone, otp.PurposeReset)
}

// ResetPIN verifies a reset code and then overwrites the PIN.
func (s *Service) ResetPIN(ctx context.Context, rawPhone, code, newPIN string) error {
	if err := credential.ValidatePIN(newPIN); err != nil {
		return err
	}
	if s.otp == nil {
		return otp.ErrNotVerified
	}
	if err := s.otp.Verify(ctx, rawPhone, code, otp.PurposeReset); err != nil {
		return err
	}
	if err := s.otp.ConsumeVerified(ctx, rawPhone, otp.PurposeReset); err != nil {
		return err
	}
	return s.ResetPINByPhone(ctx, rawPhone, newPIN)
}

// replacePIN writes the profile hash first so the previous hash can be
// restored if the identity provider rejects the new password.
func (s *Service) replacePIN(ctx context.Context, p profile.Profile, newPIN string) error {
	hash, err := s.hasher.Hash(newPIN)
	if err != nil {
		return err
	}
	if err := s.profiles.UpdatePINHash(ctx, p.ID, hash); err != nil {
		return err
	}
	if _, err := s.provider.UpdateUser(ctx, p.ID, identity.UpdateUserInput{Password: &newPIN}); err != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
		defer cancel()
		if restoreErr := s.profiles.UpdatePINHash(cctx, p.ID, p.PINHash); restoreErr != nil {
			s.reportDrift(cctx, p.ID, p.Phone, "identity password update failed and PIN hash restore failed", errors.Join(err, restoreErr))
			return &Error{Kind: KindConsistency, Msg: "PIN could not be updated; support has been notified", Err: errors.Join(err, restoreErr)}
		}
		return err
	}
	s.logger.Info("pin updated", slog.String("user_id", p.ID))
	return nil
}

// SendOTP requests a verification code for purpose.
func (s *Service) SendOTP(ctx context.Context, rawPhone string, purpose otp.Purpose) error {
	if s.otp == nil {
		return &Error{Kind: KindUnavailable, Msg: msgUnavailable}
	}
	return s.otp.Send(ctx, rawPhone, purpose)
}

// VerifyOTP checks a verification code for purpose.
func (s *Service) VerifyOTP(ctx context.Context, rawPhone, code string, purpose otp.Purpose) error {
	if s.otp == nil {
		return &Error{Kind: KindUnavailable, Msg: msgUnavailable}
	}
	return s.otp.Verify(ctx, rawPhone, code, purpose)
}

// ProfileUpdate lists the fields a user may change on their own profile.
type ProfileUpdate struct {
	Name     *string
	Metadata map[string]any
}

// UpdateProfile changes name and metadata and mirrors the name into the
// identity metadata.
func (s *Service) UpdateProfile(ctx context.Context, userID string, in ProfileUpdate) (profile.Profile, error) {
	upd := profile.Update{Metadata: in.Metadata}
	if in.Name != nil {
		if err := credential.ValidateName(*in.Name); err != nil {
			return profile.Profile{}, err
		}
		name := strings.TrimSpace(*in.Name)
		upd.Name = &name
	}
	if upd.Empty() {
		return profile.Profile{}, validation("nothing to update")
	}
	p, err := s.profiles.Update(ctx, userID, upd)
	if err != nil {
		return profile.Profile{}, err
	}
	if upd.Name != nil {
		if _, err := s.provider.UpdateUser(ctx, userID, identity.UpdateUserInput{Metadata: map[string]any{"name": *upd.Name}}); err != nil {
			s.logger.Warn("identity metadata not mirrored", slog.String("user_id", userID), slog.Any("error", err))
		}
	}
	return p, nil
}

// Refresh rotates a session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (identity.Session, error) {
	if refreshToken == "" {
		return identity.Session{}, &Error{Kind: KindUnauthorized, Msg: "missing refresh token"}
	}
	return s.provider.RefreshSession(ctx, refreshToken)
}

// SignOut revokes the session of accessToken.
func (s *Service) SignOut(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	return s.provider.SignOut(ctx, accessToken)
}

// Current returns the identity and profile of userID.
func (s *Service) Current(ctx context.Context, userID string) (identity.User, profile.Profile, error) {
	p, err := s.profiles.FindByID(ctx, userID)
	if err != nil {
		return identity.User{}, profile.Profile{}, err
	}
	u, err := s.provider.GetUser(ctx, userID)
	if err != nil {
		return identity.User{}, profile.Profile{}, err
	}
	return u, p, nil
}

// Drift lists orphaned identities, newest first.
func (s *Service) Drift(ctx context.Context, limit int) ([]drift.Record, error) {
	return s.drift.List(ctx, limit)
}
