package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/dagz55/gotryke-auth/internal/session"
	"github.com/dagz55/gotryke-auth/internal/token"
)

// Locals keys set by RequireSession.
const (
	LocalUserID      = "user_id"
	LocalAccessToken = "access_token"
)

// AccessToken returns the bearer token of the request, falling back to the session cookie.
func AccessToken(c *fiber.Ctx) string {
	authz := c.Get(fiber.HeaderAuthorization)
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	access, _ := session.Tokens(c)
	return access
}

// SessionChecker reports whether a session id is still live.
// identity.LocalProvider satisfies it.
type SessionChecker interface {
	SessionActive(ctx context.Context, sessionID string) (bool, error)
}

// RequireSession verifies the access token signature and expiry and exposes
// the user id to handlers. With a non-nil sessions checker, tokens of
// signed-out sessions are rejected as well; GoTrue tokens stay stateless.
func RequireSession(tokens *token.Manager, sessions SessionChecker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := AccessToken(c)
		if raw == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing session")
		}
		claims, err := tokens.Verify(raw)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid or expired session")
		}
		if sessions != nil {
			active, err := sessions.SessionActive(c.UserContext(), claims.SessionID)
			if err != nil {
				return fiber.NewError(http.StatusServiceUnavailable, "service temporarily unavailable, please retry")
			}
			if !active {
				return fiber.NewError(http.StatusUnauthorized, "session ended")
			}
		}
		c.Locals(LocalUserID, claims.Subject)
		c.Locals(LocalAccessToken, raw)
		return c.Next()
	}
}
