package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Checks  map[string]string `json:"checks"`
	Storage string            `json:"storage"`
	Uptime  string            `json:"uptime,omitempty"`
	Checked time.Time         `json:"checked_at"`
}

var startedAt = time.Now()

// Health godoc
// @Summary Health check
// @Description Reports database reachability and the processing backend circuit breaker.
// @Tags ops
// @Produce  json
// @Success 200 {object} HealthStatus
// @Failure 503 {object} HealthStatus
// @Router /health [get]
func (h *ApplicationHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	body := HealthStatus{
		Status:  "ok",
		Message: "API Gateway is healthy",
		Checks:  map[string]string{},
		Storage: h.Signer.Name(),
		Uptime:  time.Since(startedAt).Round(time.Second).String(),
		Checked: h.now(),
	}
	code := fiber.StatusOK

	if err := h.Store.Ping(ctx); err != nil {
		h.Logger.WithError(err).Warn("Health check: database unreachable")
		body.Checks["database"] = "down"
		body.Status = "degraded"
		body.Message = "Database unreachable"
		code = fiber.StatusServiceUnavailable
	} else {
		body.Checks["database"] = "up"
	}
	if h.Backend != nil {
		body.Checks["processing_backend"] = h.Backend.BreakerState()
	}
	return c.Status(code).JSON(body)
}
