package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dagz55/gotryke-auth/internal/phone"
)

// PhoneRateLimit limits requests per canonical phone number (or client IP
// when the body carries none) to max per window, counted in Redis under
// scope. Without Redis, or on Redis errors, requests pass.
func PhoneRateLimit(cache *redis.Client, scope string, max int, window time.Duration, logger *slog.Logger) fiber.Handler {
	if max <= 0 {
		max = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		var req struct {
			Phone string `json:"phone"`
		}
		_ = c.BodyParser(&req)
		subject := c.IP()
		if phone.Digits(req.Phone) != "" {
			subject = phone.Normalize(req.Phone)
		}

		key := "rl:" + scope + ":" + subject
		ctx := c.UserContext()
		cnt, err := cache.Incr(ctx, key).Result()
		if err != nil {
			if logger != nil {
				logger.Warn("rate limit unavailable", slog.String("scope", scope), slog.Any("error", err))
			}
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(ctx, key, window)
		}
		if cnt > int64(max) {
			return fiber.NewError(http.StatusTooManyRequests, "too many attempts, try again later")
		}
		return c.Next()
	}
}
