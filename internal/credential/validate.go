package credential

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/dagz55/gotryke-auth/internal/phone"
)

const maxNameLength = 100

var (
	localMobilePattern = regexp.MustCompile(`^9\d{9}$`)
	sixDigitPattern    = regexp.MustCompile(`^\d{6}$`)
)

// ValidationError describes a malformed credential. Message is safe to show
// to end users.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ValidatePhone checks that raw normalizes to a Philippine mobile number.
func ValidatePhone(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ValidationError{Field: "phone", Message: "phone number is required"}
	}
	if !localMobilePattern.MatchString(phone.Local(phone.Normalize(raw))) {
		return &ValidationError{Field: "phone", Message: "phone number must be a valid mobile number starting with 9 (10 digits)"}
	}
	return nil
}

// ValidatePIN checks for exactly six digits.
func ValidatePIN(pin string) error {
	if !sixDigitPattern.MatchString(pin) {
		return &ValidationError{Field: "pin", Message: "PIN must be exactly 6 digits"}
	}
	return nil
}

// ValidateOTP checks for exactly six digits.
func ValidateOTP(code string) error {
	if !sixDigitPattern.MatchString(code) {
		return &ValidationError{Field: "otp", Message: "verification code must be exactly 6 digits"}
	}
	return nil
}

// ValidateName requires a non-blank display name of bounded length.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return &ValidationError{Field: "name", Message: "name must be at most 100 characters"}
	}
	return nil
}
