package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

func TestAllowRefills(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 2})
	defer rl.Stop()

	clock := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return clock }

	if !rl.allow("a") || !rl.allow("a") {
		t.Fatal("first two requests must pass")
	}
	if rl.allow("a") {
		t.Fatal("third request within the window must be limited")
	}
	if !rl.allow("b") {
		t.Fatal("buckets are per client")
	}

	clock = clock.Add(30 * time.Second)
	if !rl.allow("a") {
		t.Fatal("one token must refill after half a window")
	}
	if rl.allow("a") {
		t.Fatal("only one token refilled")
	}
}

func TestEvictIdle(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 5})
	defer rl.Stop()

	clock := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return clock }
	rl.allow("a")

	clock = clock.Add(11 * time.Minute)
	rl.evictIdle(10 * time.Minute)

	if len(rl.buckets) != 0 {
		t.Errorf("idle bucket must be evicted, have %d", len(rl.buckets))
	}
}

func TestMiddleware(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 1})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	for i, want := range []int{fiber.StatusOK, fiber.StatusTooManyRequests} {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Client-ID", "client-1")
		resp, err := app.Test(req, -1)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != want {
			t.Errorf("request %d: got %d, want %d", i, resp.StatusCode, want)
		}
	}
}
