package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
)

// health handles GET /healthz. The store must be up; a down cache only
// degrades caching and is reported without failing the check.
func (s *Server) health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	status := "healthy"
	code := fiber.StatusOK

	db := check(ctx, s.store.Ping)
	if db["status"] != "up" {
		status = "degraded"
		code = fiber.StatusServiceUnavailable
	}

	redis := fiber.Map{"status": "disabled"}
	if s.cache.Enabled() {
		redis = check(ctx, s.cache.Ping)
	}

	return c.Status(code).JSON(fiber.Map{
		"status": status,
		"checks": fiber.Map{
			"database": db,
			"redis":    redis,
		},
		"uptime_seconds": int(time.Since(s.startAt).Seconds()),
	})
}

func check(ctx context.Context, ping func(context.Context) error) fiber.Map {
	start := time.Now()
	err := ping(ctx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return fiber.Map{
			"status":     "down",
			"latency_ms": latency,
			"error":      "connection failed",
		}
	}
	return fiber.Map{
		"status":     "up",
		"latency_ms": latency,
	}
}
