package auth

import (
	"errors"
	"net/http"

	"github.com/dagz55/gotryke-auth/internal/credential"
	"github.com/dagz55/gotryke-auth/internal/identity"
	"github.com/dagz55/gotryke-auth/internal/otp"
	"github.com/dagz55/gotryke-auth/internal/profile"
)

// Kind classifies a failure for the API boundary.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindCredentials  Kind = "credentials"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindConflict     Kind = "conflict"
	KindRateLimited  Kind = "rate_limited"
	KindUnavailable  Kind = "unavailable"
	KindUpstream     Kind = "upstream"
	KindConsistency  Kind = "consistency"
)

const (
	msgUnavailable = "service temporarily unavailable, please retry"
	msgInternal    = "internal error"
)

// Error is the typed failure returned by Service. Msg is shown to callers
// for every kind except unavailable and upstream, whose details stay in logs.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Status maps the kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation, KindCredentials:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstream, KindConsistency:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Public is the message safe to return to clients.
func (e *Error) Public() string {
	switch e.Kind {
	case KindUnavailable:
		return msgUnavailable
	case KindUpstream:
		return msgInternal
	}
	if e.Msg == "" {
		return msgInternal
	}
	return e.Msg
}

// Internal reports whether the failure is on our side and should be logged in full.
func (e *Error) Internal() bool {
	return e.Status() >= http.StatusInternalServerError
}

// Classify converts any error into an *Error using the package sentinels.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	var verr *credential.ValidationError
	if errors.As(err, &verr) {
		return &Error{Kind: KindValidation, Msg: verr.Message, Err: err}
	}
	switch {
	case errors.Is(err, identity.ErrUnavailable), errors.Is(err, otp.ErrUnavailable):
		return &Error{Kind: KindUnavailable, Msg: msgUnavailable, Err: err}
	case errors.Is(err, otp.ErrTooManyAttempts):
		return &Error{Kind: KindRateLimited, Msg: otp.ErrTooManyAttempts.Error(), Err: err}
	case errors.Is(err, identity.ErrUserExists), errors.Is(err, profile.ErrPhoneTaken):
		return &Error{Kind: KindConflict, Msg: "account already exists", Err: err}
	case errors.Is(err, identity.ErrInvalidRefreshToken):
		return &Error{Kind: KindUnauthorized, Msg: "session expired, please sign in again", Err: err}
	case errors.Is(err, identity.ErrInvalidCredentials):
		return &Error{Kind: KindCredentials, Msg: "invalid PIN", Err: err}
	case errors.Is(err, profile.ErrNotFound), errors.Is(err, identity.ErrNotFound):
		return &Error{Kind: KindNotFound, Msg: "user not found", Err: err}
	}
	for _, sentinel := range []error{otp.ErrAccountExists, otp.ErrNoAccount, otp.ErrInvalidCode, otp.ErrNotVerified, otp.ErrRejected} {
		if errors.Is(err, sentinel) {
			return &Error{Kind: KindValidation, Msg: sentinel.Error(), Err: err}
		}
	}
	return &Error{Kind: KindUpstream, Msg: msgInternal, Err: err}
}

func validation(msg string) *Error { return &Error{Kind: KindValidation, Msg: msg} }
