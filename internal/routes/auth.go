package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/dagz55/gotryke-auth/internal/auth"
)

// AuthRoutes bundles the auth handler with the middleware guarding it.
type AuthRoutes struct {
	Handler     *auth.Handler
	Session     fiber.Handler
	Admin       fiber.Handler
	Idempotency fiber.Handler
	SignInLimit fiber.Handler
	OTPLimit    fiber.Handler
}

// RegisterAuthRoutes wires authentication endpoints.
func RegisterAuthRoutes(r fiber.Router, a AuthRoutes) {
	h := a.Handler
	group := r.Group("/auth")

	group.Post("/signup", a.Idempotency, h.SignUp)
	group.Post("/signin", a.SignInLimit, h.SignIn)
	group.Post("/send-otp", a.OTPLimit, a.Idempotency, h.SendOTP)
	group.Post("/verify-otp", h.VerifyOTP)
	group.Post("/reset-pin", a.OTPLimit, h.ResetPIN)
	group.Post("/refresh", h.Refresh)
	group.Post("/signout", h.SignOut)

	group.Post("/update-pin", a.Session, h.UpdatePIN)
	group.Get("/me", a.Session, h.Me)
	group.Patch("/profile", a.Session, h.UpdateProfile)

	admin := group.Group("/admin", a.Admin)
	admin.Post("/users", h.AdminCreateUser)
	admin.Get("/drift", h.Drift)
}
