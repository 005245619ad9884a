package middleware

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dagz55/gotryke-auth/internal/logging"
)

func setupTestApp(t *testing.T) (*fiber.App, *int) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	calls := new(int)
	app := fiber.New()
	app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	app.Post("/auth/send-otp", func(c *fiber.Ctx) error {
		*calls++
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": true, "n": *calls})
	})
	app.Post("/auth/fail", func(c *fiber.Ctx) error {
		*calls++
		return c.SendStatus(fiber.StatusServiceUnavailable)
	})
	return app, calls
}

func post(t *testing.T, app *fiber.App, path, key string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode, string(body)
}

func TestIdempotencyPassesThroughWithoutHeader(t *testing.T) {
	app, calls := setupTestApp(t)

	post(t, app, "/auth/send-otp", "")
	post(t, app, "/auth/send-otp", "")

	if *calls != 2 {
		t.Fatalf("expected handler to run twice, ran %d", *calls)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	app, calls := setupTestApp(t)

	status, payload := post(t, app, "/auth/send-otp", "abc123")
	if status != fiber.StatusOK {
		t.Fatalf("expected status %d got %d", fiber.StatusOK, status)
	}

	// Second request should return the cached response without invoking handler again.
	status2, cached := post(t, app, "/auth/send-otp", "abc123")
	if status2 != fiber.StatusOK {
		t.Fatalf("expected cached status %d got %d", fiber.StatusOK, status2)
	}
	if cached != payload {
		t.Fatalf("expected cached payload %s got %s", payload, cached)
	}
	if *calls != 1 {
		t.Fatalf("expected a single handler call, got %d", *calls)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(cached), &decoded); err != nil {
		t.Fatalf("cached payload invalid json: %v", err)
	}
}

func TestIdempotencyDoesNotStoreServerErrors(t *testing.T) {
	app, calls := setupTestApp(t)

	post(t, app, "/auth/fail", "k1")
	status, _ := post(t, app, "/auth/fail", "k1")

	if status != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", status)
	}
	if *calls != 2 {
		t.Fatalf("expected retry to reach handler, calls=%d", *calls)
	}
}
