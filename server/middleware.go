package server

import (
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"

	"ytdash/auth"
)

// SessionCookie carries the session token.
const SessionCookie = "ytdash_session"

type localKey int

const (
	userKey localKey = iota
	tokenKey
)

// requestLogger logs each request and records its duration.
func (s *Server) requestLogger() fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()
		if s.metrics != nil {
			s.metrics.RequestsInFlight.Inc()
			defer s.metrics.RequestsInFlight.Dec()
		}

		err := c.Next()
		if err != nil {
			// let the error handler set the final status before logging
			if herr := s.errorHandler(c, err); herr != nil {
				return herr
			}
			err = nil
		}

		duration := time.Since(start)
		status := c.Response().StatusCode()
		route := c.Route().Path

		evt := s.log.Info()
		if status >= 500 {
			evt = s.log.Error()
		} else if status >= 400 {
			evt = s.log.Warn()
		}
		evt.
			Str("method", c.Method()).
			Str("route", route).
			Int("status", status).
			Dur("duration_ms", duration).
			Int("bytes_sent", len(c.Response().Body())).
			Msg("request")

		s.metrics.ObserveRequest(route, c.Method(), strconv.Itoa(status), duration.Seconds())
		return err
	}
}

// newCORS allows every origin unless a list is configured. Credentials are
// only allowed for an explicit list.
func newCORS(origins []string) fiber.Handler {
	cfg := cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			fiber.MethodGet,
			fiber.MethodPost,
			fiber.MethodDelete,
			fiber.MethodOptions,
		},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
		},
		ExposeHeaders: []string{"Content-Disposition"},
		MaxAge:        86400,
	}
	if len(origins) > 0 && !slices.Contains(origins, "*") {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// loadSession resolves the session cookie or bearer token, if any. Requests
// without a valid session continue anonymously.
func (s *Server) loadSession() fiber.Handler {
	return func(c fiber.Ctx) error {
		token := sessionToken(c)
		if token == "" || s.auth == nil {
			return c.Next()
		}
		c.Locals(tokenKey, token)

		user, err := s.auth.Authenticate(c.Context(), token)
		switch {
		case err == nil:
			c.Locals(userKey, user)
		case errors.Is(err, auth.ErrUnauthenticated):
		default:
			s.log.Warn().Err(err).Msg("session lookup failed")
		}
		return c.Next()
	}
}

func sessionToken(c fiber.Ctx) string {
	if bearer, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer "); ok {
		return strings.TrimSpace(bearer)
	}
	return c.Cookies(SessionCookie)
}

// requireUser rejects requests without a valid session.
func requireUser(c fiber.Ctx) error {
	if currentUser(c) == nil {
		return auth.ErrUnauthenticated
	}
	return c.Next()
}

// requireCapability rejects anonymous requests and users whose role lacks cp.
func requireCapability(cp auth.Capability) fiber.Handler {
	return func(c fiber.Ctx) error {
		user := currentUser(c)
		if user == nil {
			return auth.ErrUnauthenticated
		}
		if err := auth.Require(user, cp); err != nil {
			return err
		}
		return c.Next()
	}
}

func currentUser(c fiber.Ctx) *auth.User {
	u, _ := c.Locals(userKey).(*auth.User)
	return u
}

func (s *Server) setSessionCookie(c fiber.Ctx, token string, expires time.Time) {
	c.Cookie(&fiber.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(c fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}
