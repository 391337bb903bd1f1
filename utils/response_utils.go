package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"recapflow/api-gateway/internal/backend"
	"recapflow/api-gateway/internal/identity"
	"recapflow/api-gateway/internal/jobs"
	"recapflow/api-gateway/internal/objectstore"
	"recapflow/api-gateway/internal/quota"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/internal/tenancy"
	"recapflow/api-gateway/internal/upload"
	"recapflow/api-gateway/models"
)

// ErrorResponse is the envelope of every failed request.
type ErrorResponse struct {
	Status  string   `json:"status" example:"error"`
	Message string   `json:"message"`
	Errors  []string `json:"errors,omitempty"`
}

// SuccessResponse is the envelope of every successful request.
type SuccessResponse struct {
	Status string `json:"status" example:"success"`
	Data   any    `json:"data"`
}

// PageMeta describes one page of a list.
type PageMeta struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// ListResponse is a page of items.
type ListResponse struct {
	Items any      `json:"items"`
	Page  PageMeta `json:"page"`
}

// RespondWithError sends a JSON error response.
func RespondWithError(c *fiber.Ctx, statusCode int, message string) error {
	return c.Status(statusCode).JSON(ErrorResponse{
		Status:  "error",
		Message: message,
	})
}

// RespondWithJSON sends a JSON success response.
func RespondWithJSON(c *fiber.Ctx, statusCode int, data any) error {
	return c.Status(statusCode).JSON(SuccessResponse{
		Status: "success",
		Data:   data,
	})
}

// RespondWithList sends a page of items.
func RespondWithList(c *fiber.Ctx, items any, total int64, page store.Page) error {
	return RespondWithJSON(c, fiber.StatusOK, ListResponse{
		Items: items,
		Page:  PageMeta{Total: total, Limit: page.Limit, Offset: page.Offset},
	})
}

// RespondWithValidationError reports request body validation failures.
func RespondWithValidationError(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Status:  "error",
		Message: "Validation failed",
		Errors:  FormatValidationErrors(err),
	})
}

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, backend.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, identity.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, identity.ErrInactive):
		return fiber.StatusForbidden
	case errors.Is(err, quota.ErrExceeded):
		return fiber.StatusPaymentRequired
	case errors.Is(err, upload.ErrTooLarge):
		return fiber.StatusRequestEntityTooLarge
	case errors.Is(err, upload.ErrSessionExpired):
		return fiber.StatusGone
	case errors.Is(err, store.ErrConflict), errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrRetryExhausted), errors.Is(err, upload.ErrSessionClosed):
		return fiber.StatusConflict
	case errors.Is(err, upload.ErrValidation), errors.Is(err, jobs.ErrInvalidRequest),
		errors.Is(err, upload.ErrChecksumMismatch), errors.Is(err, tenancy.ErrInvalid):
		return fiber.StatusBadRequest
	case errors.Is(err, upload.ErrUploadFailed), errors.Is(err, backend.ErrBackend):
		return fiber.StatusBadGateway
	case errors.Is(err, objectstore.ErrDisabled):
		return fiber.StatusServiceUnavailable
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}

// RespondWithServiceError maps err to a status and writes the error envelope.
// Server-side failures are logged and their details are not sent to the client.
func RespondWithServiceError(c *fiber.Ctx, log *logrus.Logger, err error, action string) error {
	status := StatusFor(err)
	if status >= fiber.StatusInternalServerError && status != fiber.StatusBadGateway && status != fiber.StatusServiceUnavailable {
		log.WithError(err).WithFields(logrus.Fields{
			"request_id": c.Locals(RequestIDKey),
			"path":       c.Path(),
		}).Error(action + " failed")
		return RespondWithError(c, status, action+" failed")
	}
	if status == fiber.StatusBadGateway {
		log.WithError(err).WithField("request_id", c.Locals(RequestIDKey)).Warn(action + " failed at the processing backend")
	}
	return RespondWithError(c, status, err.Error())
}

// RequestIDKey is the fiber local holding the request id.
const RequestIDKey = "requestid"

// FormatValidationErrors formats validation errors from validator/v10.
func FormatValidationErrors(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		if err == nil {
			return nil
		}
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		element := fmt.Sprintf("Field '%s' failed on the '%s' tag", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			element = fmt.Sprintf("%s (value: %s)", element, fe.Param())
		}
		out = append(out, element)
	}
	return out
}

// SanitizeInput trims surrounding whitespace.
func SanitizeInput(input string) string {
	return strings.TrimSpace(input)
}
