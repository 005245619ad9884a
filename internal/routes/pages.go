package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/dagz55/gotryke-auth/internal/guard"
	"github.com/dagz55/gotryke-auth/internal/profile"
)

// entryPages are reachable without a session.
var entryPages = []string{"/", "/login", "/signup", "/reset-pin"}

// RegisterPageRoutes mounts the guard in front of the page routes. Pages are
// rendered by the web frontend; the server only answers with the page name
// and the resolved viewer so the frontend can hydrate.
func RegisterPageRoutes(app *fiber.App, g *guard.Guard) {
	app.Use(g.Handler())

	for _, path := range entryPages {
		app.Get(path, page(path))
	}
	for _, role := range profile.Roles {
		dashboard := role.Dashboard()
		app.Get(dashboard, page(dashboard))
		app.Get(dashboard+"/*", page(dashboard))
	}
	for _, path := range []string{"/profile", "/settings"} {
		app.Get(path, page(path))
		app.Get(path+"/*", page(path))
	}
}

func page(name string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		body := fiber.Map{"page": name, "path": c.Path()}
		if uid, ok := c.Locals(guard.LocalUserID).(string); ok {
			body["user_id"] = uid
			body["role"] = c.Locals(guard.LocalRole)
		}
		return c.JSON(body)
	}
}
