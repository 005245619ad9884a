// Package session carries identity sessions in HTTP-only cookies.
package session

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/dagz55/gotryke-auth/internal/identity"
)

const (
	AccessCookie  = "sb-access-token"
	RefreshCookie = "sb-refresh-token"
)

// ErrIncomplete is returned when a session lacks either token.
var ErrIncomplete = errors.New("session is missing a token")

// CookieConfig controls cookie attributes. Lifetime bounds both cookies;
// the access token carries its own shorter expiry.
type CookieConfig struct {
	Secure   bool
	Domain   string
	Lifetime time.Duration
}

// Establisher writes and clears session cookies.
type Establisher struct {
	cfg CookieConfig
	now func() time.Time
}

// NewEstablisher builds an Establisher. Lifetime defaults to 30 days.
func NewEstablisher(cfg CookieConfig) *Establisher {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = 30 * 24 * time.Hour
	}
	return &Establisher{cfg: cfg, now: time.Now}
}

// Establish sets both cookies on the response. It must run before the
// handler writes its body; repeated calls overwrite the same cookies.
func (e *Establisher) Establish(c *fiber.Ctx, s identity.Session) error {
	if !s.Valid() {
		return ErrIncomplete
	}
	expires := e.now().Add(e.cfg.Lifetime)
	c.Cookie(e.cookie(AccessCookie, s.AccessToken, expires, int(e.cfg.Lifetime.Seconds())))
	c.Cookie(e.cookie(RefreshCookie, s.RefreshToken, expires, int(e.cfg.Lifetime.Seconds())))
	return nil
}

// Clear expires both cookies.
func (e *Establisher) Clear(c *fiber.Ctx) {
	past := time.Unix(0, 0)
	c.Cookie(e.cookie(AccessCookie, "", past, -1))
	c.Cookie(e.cookie(RefreshCookie, "", past, -1))
}

// Tokens reads the session cookies of the request.
func Tokens(c *fiber.Ctx) (access, refresh string) {
	return c.Cookies(AccessCookie), c.Cookies(RefreshCookie)
}

func (e *Establisher) cookie(name, value string, expires time.Time, maxAge int) *fiber.Cookie {
	return &fiber.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   e.cfg.Domain,
		Expires:  expires,
		MaxAge:   maxAge,
		Secure:   e.cfg.Secure,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	}
}
