package otp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dagz55/gotryke-auth/internal/credential"
	"github.com/dagz55/gotryke-auth/internal/logging"
	"github.com/dagz55/gotryke-auth/internal/metrics"
	"github.com/dagz55/gotryke-auth/internal/phone"
	"github.com/dagz55/gotryke-auth/internal/profile"
)

// ProfileFinder is the slice of profile.Repository the channel needs.
type ProfileFinder interface {
	FindByPhone(ctx context.Context, phone string) (profile.Profile, error)
}

// ChannelDeps wires a Channel.
type ChannelDeps struct {
	Provider    Provider
	Profiles    ProfileFinder
	Verified    VerifiedStore
	VerifiedTTL time.Duration
	Metrics     *metrics.Auth
	Logger      *slog.Logger
}

// Channel applies the account checks around a Provider and tracks which
// phones recently passed verification.
type Channel struct {
	provider    Provider
	profiles    ProfileFinder
	verified    VerifiedStore
	verifiedTTL time.Duration
	metrics     *metrics.Auth
	logger      *slog.Logger
}

// NewChannel builds a Channel. VerifiedTTL defaults to ten minutes.
func NewChannel(d ChannelDeps) *Channel {
	ttl := d.VerifiedTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	logger := d.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Channel{
		provider:    d.Provider,
		profiles:    d.Profiles,
		verified:    d.Verified,
		verifiedTTL: ttl,
		metrics:     d.Metrics,
		logger:      logger,
	}
}

// Send requests a code for purpose. Sign-up codes are refused for registered
// phones and reset codes for unknown ones, in both cases before the provider
// is contacted. Send never writes profiles.
func (ch *Channel) Send(ctx context.Context, rawPhone string, purpose Purpose) error {
	if err := credential.ValidatePhone(rawPhone); err != nil {
		return err
	}
	if _, err := ParsePurpose(string(purpose)); err != nil || purpose == "" {
		return &credential.ValidationError{Field: "purpose", Message: "purpose must be signup or reset"}
	}
	canonical := phone.Normalize(rawPhone)

	exists, err := ch.profileExists(ctx, canonical)
	if err != nil {
		ch.metrics.OTPSend(string(purpose), "error")
		return err
	}
	switch purpose {
	case PurposeSignup:
		if exists {
			ch.metrics.OTPSend(string(purpose), "account_exists")
			return ErrAccountExists
		}
	case PurposeReset:
		if !exists {
			ch.metrics.OTPSend(string(purpose), "no_account")
			return ErrNoAccount
		}
	}

	if err := ch.provider.Start(ctx, canonical); err != nil {
		ch.metrics.OTPSend(string(purpose), "error")
		ch.logger.Error("otp send failed",
			slog.String("phone", logging.MaskPhone(canonical)),
			slog.String("purpose", string(purpose)),
			slog.Any("error", err),
		)
		return err
	}
	ch.metrics.OTPSend(string(purpose), "sent")
	ch.logger.Info("otp sent", slog.String("phone", logging.MaskPhone(canonical)), slog.String("purpose", string(purpose)))
	return nil
}

// Verify succeeds only if the provider approves code. On approval the phone
// is marked verified for purpose.
func (ch *Channel) Verify(ctx context.Context, rawPhone, code string, purpose Purpose) error {
	if err := credential.ValidatePhone(rawPhone); err != nil {
		return err
	}
	if err := credential.ValidateOTP(code); err != nil {
		return err
	}
	if purpose == "" {
		purpose = PurposeSignup
	}
	canonical := phone.Normalize(rawPhone)

	status, err := ch.provider.Check(ctx, canonical, code)
	if err != nil {
		return err
	}
	if status != StatusApproved {
		ch.logger.Info("otp rejected", slog.String("phone", logging.MaskPhone(canonical)), slog.String("status", string(status)))
		return ErrInvalidCode
	}
	if ch.verified != nil {
		if err := ch.verified.Mark(ctx, canonical, purpose, ch.verifiedTTL); err != nil {
			return fmt.Errorf("record verification: %w", err)
		}
	}
	return nil
}

// ConsumeVerified returns ErrNotVerified unless phone passed Verify for
// purpose recently. The marker is removed.
func (ch *Channel) ConsumeVerified(ctx context.Context, rawPhone string, purpose Purpose) error {
	if ch.verified == nil {
		return ErrNotVerified
	}
	ok, err := ch.verified.Consume(ctx, phone.Normalize(rawPhone), purpose)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotVerified
	}
	return nil
}

// RestoreVerified puts back a marker taken by ConsumeVerified when the flow
// that consumed it failed before completing.
func (ch *Channel) RestoreVerified(ctx context.Context, rawPhone string, purpose Purpose) error {
	if ch.verified == nil {
		return nil
	}
	if err := ch.verified.Mark(ctx, phone.Normalize(rawPhone), purpose, ch.verifiedTTL); err != nil {
		return fmt.Errorf("restore verification: %w", err)
	}
	return nil
}

func (ch *Channel) profileExists(ctx context.Context, canonical string) (bool, error) {
	_, err := ch.profiles.FindByPhone(ctx, canonical)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, profile.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("lookup profile: %w", err)
	}
}
