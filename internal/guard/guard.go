package guard

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/dagz55/gotryke-auth/internal/identity"
	"github.com/dagz55/gotryke-auth/internal/logging"
	"github.com/dagz55/gotryke-auth/internal/profile"
	"github.com/dagz55/gotryke-auth/internal/session"
	"github.com/dagz55/gotryke-auth/internal/token"
)

// Locals keys set for allowed requests.
const (
	LocalUserID = "guard_user_id"
	LocalRole   = "guard_role"
)

// ProfileFinder resolves a role when the token carries none.
type ProfileFinder interface {
	FindByID(ctx context.Context, id string) (profile.Profile, error)
}

// Refresher exchanges a refresh token for a new session. identity.Provider satisfies it.
type Refresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (identity.Session, error)
}

// Verifier checks an access token's signature and expiry. token.Manager satisfies it.
type Verifier interface {
	Verify(tokenStr string) (*token.Claims, error)
}

// Deps wires a Guard. Without a Verifier every request is anonymous.
// Refresher and Cookies are optional; without them expired sessions are
// treated as absent.
type Deps struct {
	Policy    Policy
	Verifier  Verifier
	Profiles  ProfileFinder
	Refresher Refresher
	Cookies   *session.Establisher
	Logger    *slog.Logger
}

// Guard is the page-route middleware.
type Guard struct {
	policy    Policy
	verifier  Verifier
	profiles  ProfileFinder
	refresher Refresher
	cookies   *session.Establisher
	logger    *slog.Logger
}

// New builds a Guard.
func New(d Deps) *Guard {
	logger := d.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Guard{
		policy:    d.Policy,
		verifier:  d.Verifier,
		profiles:  d.Profiles,
		refresher: d.Refresher,
		cookies:   d.Cookies,
		logger:    logger,
	}
}

// Handler returns the Fiber middleware. Paths the policy does not cover pass through.
func (g *Guard) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		if !g.policy.Applies(path) {
			return c.Next()
		}

		claims, authenticated := g.authenticate(c)
		var role profile.Role
		if authenticated {
			role = g.resolveRole(c.UserContext(), claims)
		}

		d := g.policy.Decide(path, authenticated, role)
		if !d.Allow {
			return c.Redirect(d.Redirect, fiber.StatusFound)
		}
		if authenticated {
			c.Locals(LocalUserID, claims.Subject)
			c.Locals(LocalRole, role)
		}
		return c.Next()
	}
}

// authenticate verifies the access cookie locally against the shared signing
// secret. A rejected token is refreshed once when a refresh cookie is present.
func (g *Guard) authenticate(c *fiber.Ctx) (*token.Claims, bool) {
	if g.verifier == nil {
		return nil, false
	}
	access, refresh := session.Tokens(c)
	if access == "" && refresh == "" {
		return nil, false
	}

	if access != "" {
		claims, err := g.verifier.Verify(access)
		if err == nil {
			return claims, true
		}
	}
	if refresh == "" || g.refresher == nil || g.cookies == nil {
		return nil, false
	}

	s, err := g.refresher.RefreshSession(c.UserContext(), refresh)
	if err != nil {
		g.logger.Info("session refresh failed", slog.String("path", c.Path()), slog.Any("error", err))
		g.cookies.Clear(c)
		return nil, false
	}
	if err := g.cookies.Establish(c, s); err != nil {
		return nil, false
	}
	claims, err := g.verifier.Verify(s.AccessToken)
	if err != nil {
		g.logger.Warn("refreshed token rejected", slog.String("path", c.Path()), slog.Any("error", err))
		return nil, false
	}
	return claims, true
}

func (g *Guard) resolveRole(ctx context.Context, claims *token.Claims) profile.Role {
	if r, err := profile.ParseRole(claims.AppRole()); err == nil {
		return r
	}
	if g.profiles != nil {
		p, err := g.profiles.FindByID(ctx, claims.Subject)
		if err == nil && p.Role.Valid() {
			return p.Role
		}
		g.logger.Warn("role unresolved, assuming least privileged",
			slog.String("user_id", claims.Subject),
			slog.Any("error", err),
		)
	}
	return profile.LeastPrivileged
}
