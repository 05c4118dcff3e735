package server

import (
	"github.com/gofiber/fiber/v3"

	"ytdash/auth"
	"ytdash/storage"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Account   *storage.Account `json:"account"`
	Token     string           `json:"token"`
	ExpiresAt string           `json:"expiresAt"`
}

func (s *Server) signup(c fiber.Ctx) error {
	var req credentials
	if err := c.Bind().Body(&req); err != nil {
		return invalid("body", "malformed JSON body")
	}
	user, sess, err := s.auth.Signup(c.Context(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return s.startSession(c, fiber.StatusCreated, user, sess)
}

func (s *Server) login(c fiber.Ctx) error {
	var req credentials
	if err := c.Bind().Body(&req); err != nil {
		return invalid("body", "malformed JSON body")
	}
	user, sess, err := s.auth.Login(c.Context(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return s.startSession(c, fiber.StatusOK, user, sess)
}

func (s *Server) startSession(c fiber.Ctx, status int, user *auth.User, sess *storage.Session) error {
	s.setSessionCookie(c, sess.Token, sess.ExpiresAt)
	return c.Status(status).JSON(sessionResponse{
		Account:   user.Account,
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt.Format(timeLayout),
	})
}

func (s *Server) logout(c fiber.Ctx) error {
	token, _ := c.Locals(tokenKey).(string)
	if err := s.auth.Logout(c.Context(), token); err != nil {
		return err
	}
	s.clearSessionCookie(c)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) me(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"account": currentUser(c).Account})
}

// adminStats handles GET /admin/stats.
func (s *Server) adminStats(c fiber.Ctx) error {
	stats, err := s.store.Stats(c.Context())
	if err != nil {
		return err
	}

	resp := fiber.Map{"stats": stats}
	if q, ok := s.gateway.(quotaReporter); ok {
		resp["quota"] = fiber.Map{
			"estimatedRemaining": q.EstimatedQuota(),
			"exhausted":          q.QuotaExhausted(),
		}
	}
	if cr, ok := s.fetcher.(circuitReporter); ok {
		resp["relayCircuits"] = cr.Circuits()
	}
	return c.JSON(resp)
}
