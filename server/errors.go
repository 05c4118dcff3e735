package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"

	"ytdash/auth"
	ythttp "ytdash/http"
	"ytdash/storage"
	"ytdash/youtube"
)

// ValidationError reports a malformed request parameter.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// classify maps an error to an HTTP status and a client-safe message.
func classify(err error) (int, string) {
	var (
		fiberErr *fiber.Error
		valErr   *ValidationError
		upErr    *youtube.UpstreamError
		fetchErr *ythttp.FetchError
		storErr  *storage.StorageError
	)

	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code, fiberErr.Message
	case errors.As(err, &valErr):
		return http.StatusBadRequest, valErr.Error()
	case errors.Is(err, youtube.ErrMissingCredential):
		return http.StatusInternalServerError, "YouTube API key is not configured"
	case errors.Is(err, youtube.ErrInvalidInput),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, storage.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, auth.ErrInvalidCredentials.Error()
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, auth.ErrUnauthenticated.Error()
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, auth.ErrForbidden.Error()
	case errors.Is(err, youtube.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict, "already exists"
	case errors.Is(err, youtube.ErrQuotaExhausted):
		return http.StatusServiceUnavailable, "YouTube API quota exhausted"
	case errors.As(err, &upErr):
		if upErr.ClientError() {
			return http.StatusBadRequest, upErr.Message
		}
		return http.StatusBadGateway, upErr.Message
	case errors.As(err, &fetchErr):
		if errors.Is(err, ythttp.ErrUnsupportedURL) || errors.Is(err, ythttp.ErrHostNotAllowed) {
			return http.StatusBadRequest, fetchErr.Err.Error()
		}
		return http.StatusBadGateway, fetchErr.Error()
	case errors.As(err, &storErr):
		return http.StatusInternalServerError, "storage failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// errorHandler converts handler errors into {"error": "..."} responses.
func (s *Server) errorHandler(c fiber.Ctx, err error) error {
	status, msg := classify(err)

	evt := s.log.Debug()
	if status >= http.StatusInternalServerError {
		evt = s.log.Error()
	}
	evt.Err(err).Str("path", c.Path()).Int("status", status).Msg("request failed")

	return c.Status(status).JSON(errorBody{Error: msg})
}
