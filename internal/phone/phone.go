// Package phone converts user-entered Philippine mobile numbers into the
// canonical "+63XXXXXXXXXX" form used as the lookup key across stores.
package phone

import "strings"

const (
	// CountryCode is the Philippine calling code without the plus sign.
	CountryCode = "63"
	// Prefix is the canonical prefix every normalized number starts with.
	Prefix = "+" + CountryCode

	mobilePrefix = "9"
	trunkPrefix  = "0"
)

// Normalize maps local, trunk-prefixed and international inputs to the
// canonical form. It never fails: unrecognized inputs fall back to
// "+63"+digits, so callers must validate separately.
func Normalize(raw string) string {
	digits := Digits(raw)

	switch {
	case strings.HasPrefix(digits, CountryCode):
		return "+" + digits
	case strings.HasPrefix(digits, trunkPrefix):
		return Prefix + digits[1:]
	case strings.HasPrefix(digits, mobilePrefix):
		return Prefix + digits
	default:
		return Prefix + digits
	}
}

// Local returns the national significant number ("9XXXXXXXXX") of a
// canonical phone.
func Local(canonical string) string {
	return strings.TrimPrefix(canonical, Prefix)
}

// Digits strips every non-digit character.
func Digits(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
