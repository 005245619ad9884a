package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

const adminSecretHeader = "X-Admin-Secret"

// AdminSecret admits requests carrying the bootstrap secret. An empty
// configured secret disables the routes it guards.
func AdminSecret(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		given := c.Get(adminSecretHeader)
		if secret == "" || given == "" || subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			return fiber.NewError(http.StatusForbidden, "forbidden")
		}
		return c.Next()
	}
}
