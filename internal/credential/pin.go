package credential

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PINCost is the bcrypt work factor applied to stored PINs.
const PINCost = 12

// Hasher hashes and verifies PINs with bcrypt.
type Hasher struct {
	cost int
}

// NewHasher returns a hasher using PINCost.
func NewHasher() Hasher {
	return Hasher{cost: PINCost}
}

// NewHasherWithCost is meant for tests, where cost 12 would dominate runtime.
func NewHasherWithCost(cost int) Hasher {
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	return Hasher{cost: cost}
}

// Hash returns the bcrypt hash of pin.
func (h Hasher) Hash(pin string) (string, error) {
	cost := h.cost
	if cost == 0 {
		cost = PINCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return "", fmt.Errorf("hash pin: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether pin matches hash. Empty or malformed hashes never match.
func (h Hasher) Verify(pin, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}
