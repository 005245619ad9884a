// Package otp sends and checks one-time codes that prove ownership of a
// phone number during sign-up and PIN reset.
package otp

import (
	"context"
	"errors"

	"github.com/dagz55/gotryke-auth/internal/credential"
)

// Purpose scopes a code to the flow that requested it.
type Purpose string

const (
	PurposeSignup Purpose = "signup"
	PurposeReset  Purpose = "reset"
)

// ParsePurpose validates user input. An empty value means sign-up.
func ParsePurpose(s string) (Purpose, error) {
	switch Purpose(s) {
	case "":
		return PurposeSignup, nil
	case PurposeSignup, PurposeReset:
		return Purpose(s), nil
	}
	return "", &credential.ValidationError{Field: "purpose", Message: "purpose must be signup or reset"}
}

// Status is the verification state reported by a provider.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusFailed   Status = "failed"
)

var (
	// ErrAccountExists is returned when a sign-up code is requested for a registered phone.
	ErrAccountExists = errors.New("account already exists")
	// ErrNoAccount is returned when a reset code is requested for an unknown phone.
	ErrNoAccount = errors.New("no account found")
	// ErrInvalidCode is returned when the provider does not approve the code.
	ErrInvalidCode = errors.New("invalid or expired verification code")
	// ErrNotVerified is returned when a flow needs a verified phone and none is on record.
	ErrNotVerified = errors.New("phone not verified")
	// ErrTooManyAttempts is returned when the provider refuses further sends or checks for phone.
	ErrTooManyAttempts = errors.New("too many verification attempts, please try again later")
	// ErrRejected is returned when the provider refuses the request itself, such as an undeliverable number.
	ErrRejected = errors.New("verification request rejected, check the phone number")
	// ErrUnavailable marks transport failures and 5xx answers from the SMS provider.
	ErrUnavailable = errors.New("sms provider unavailable")
)

// Provider is the SMS verification service.
type Provider interface {
	// Start issues a fresh code to phone, invalidating any pending one.
	Start(ctx context.Context, phone string) error
	// Check reports whether code is the pending code for phone.
	Check(ctx context.Context, phone, code string) (Status, error)
}
