package profile

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no profile matches the lookup.
	ErrNotFound = errors.New("profile not found")
	// ErrPhoneTaken is returned when another profile already owns the phone number.
	ErrPhoneTaken = errors.New("phone number already registered")
)

// Role is the closed set of application roles.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleDispatcher Role = "dispatcher"
	RoleGuide      Role = "guide"
	RolePassenger  Role = "passenger"
	RoleRider      Role = "rider"
)

// LeastPrivileged is assumed when a session's role cannot be resolved.
const LeastPrivileged = RolePassenger

// Roles lists every valid role.
var Roles = []Role{RoleAdmin, RoleDispatcher, RoleGuide, RolePassenger, RoleRider}

// ParseRole converts user input into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q", s)
	}
	return r, nil
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDispatcher, RoleGuide, RolePassenger, RoleRider:
		return true
	}
	return false
}

// PublicSignup reports whether unauthenticated callers may self-register with r.
func (r Role) PublicSignup() bool {
	switch r {
	case RolePassenger, RoleRider:
		return true
	case RoleAdmin, RoleDispatcher, RoleGuide:
		return false
	}
	return false
}

// Dashboard returns the landing route for r.
func (r Role) Dashboard() string {
	switch r {
	case RoleAdmin:
		return "/admin"
	case RoleDispatcher:
		return "/dispatcher"
	case RoleGuide:
		return "/guide"
	case RolePassenger:
		return "/passenger"
	case RoleRider:
		return "/rider"
	}
	return LeastPrivileged.Dashboard()
}

// Profile is the application-owned row paired 1:1 with an identity record.
type Profile struct {
	ID        string         `json:"id"`
	Phone     string         `json:"phone"`
	Name      string         `json:"name"`
	Role      Role           `json:"role"`
	IsActive  bool           `json:"is_active"`
	PINHash   string         `json:"-"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	LastLogin *time.Time     `json:"last_login,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Update lists the mutable profile fields; nil fields are left untouched.
type Update struct {
	Name     *string
	Role     *Role
	IsActive *bool
	Metadata map[string]any
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return u.Name == nil && u.Role == nil && u.IsActive == nil && u.Metadata == nil
}
