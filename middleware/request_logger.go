package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"recapflow/api-gateway/internal/metrics"
	"recapflow/api-gateway/utils"
)

// RequestLogger logs every request with a request id and records its metrics.
// An incoming X-Request-ID header is reused.
func RequestLogger(log *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		requestID := c.Get(fiber.HeaderXRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Locals(utils.RequestIDKey, requestID)
		c.Set(fiber.HeaderXRequestID, requestID)

		err := c.Next()
		if err != nil {
			// Let the app error handler write the response so the logged status is final.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		latency := time.Since(start)
		statusCode := c.Response().StatusCode()
		route := c.Route().Path
		metrics.RecordRequest(c.Method(), route, statusCode, latency)

		entry := log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"http_method": c.Method(),
			"uri":         c.OriginalURL(),
			"route":       route,
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.IP(),
			"user_agent":  c.Get(fiber.HeaderUserAgent),
		})
		if p := PrincipalFrom(c); p != nil {
			entry = entry.WithFields(logrus.Fields{"user_id": p.UserID, "tenant_id": p.TenantID})
		}

		switch {
		case err != nil:
			entry.WithError(err).Error("Request processing failed")
		case statusCode >= 500:
			entry.Error("Request completed with server error")
		case statusCode >= 400:
			entry.Warn("Request completed with client error")
		default:
			entry.Info("Request completed successfully")
		}
		return nil
	}
}
