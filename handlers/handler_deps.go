package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"recapflow/api-gateway/config"
	"recapflow/api-gateway/internal/identity"
	"recapflow/api-gateway/internal/jobs"
	"recapflow/api-gateway/internal/objectstore"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/internal/upload"
	"recapflow/api-gateway/middleware"
	"recapflow/api-gateway/utils"
)

// BackendProbe reports the circuit breaker state of the processing backend client.
type BackendProbe interface {
	BreakerState() string
}

// ApplicationHandler holds shared dependencies for handlers.
type ApplicationHandler struct {
	Config   *config.Config
	Logger   *logrus.Logger
	Store    *store.Store
	Jobs     *jobs.Service
	Uploads  *upload.Service
	Identity *identity.Service
	Signer   objectstore.Signer
	Backend  BackendProbe

	validate *validator.Validate
	now      func() time.Time
}

// NewApplicationHandler creates a new ApplicationHandler with the given dependencies.
func NewApplicationHandler(h ApplicationHandler) *ApplicationHandler {
	if h.Signer == nil {
		h.Signer = objectstore.Disabled{}
	}
	h.validate = validator.New()
	h.now = func() time.Time { return time.Now().UTC() }
	return &h
}

// bind parses the JSON body into req and validates it. When ok is false the
// error response has been written and err is what the handler should return.
func (h *ApplicationHandler) bind(c *fiber.Ctx, req any) (ok bool, err error) {
	if err := c.BodyParser(req); err != nil {
		return false, utils.RespondWithError(c, fiber.StatusBadRequest, "Cannot parse request body: "+err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return false, utils.RespondWithValidationError(c, err)
	}
	return true, nil
}

func uuidParam(c *fiber.Ctx, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params(name))
	return id, err == nil
}

func badID(c *fiber.Ctx, what string) error {
	return utils.RespondWithError(c, fiber.StatusBadRequest, "Invalid "+what+" ID format")
}

// pageFromQuery reads limit and offset. Limit must be within 1..maxLimit.
func pageFromQuery(c *fiber.Ctx, maxLimit int) (store.Page, error) {
	page := store.Page{Limit: 20}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLimit {
			return page, errors.New("limit must be between 1 and " + strconv.Itoa(maxLimit))
		}
		page.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return page, errors.New("offset must be a non-negative integer")
		}
		page.Offset = n
	}
	return page, nil
}

func (h *ApplicationHandler) principal(c *fiber.Ctx) *identity.Principal {
	return middleware.PrincipalFrom(c)
}

func (h *ApplicationHandler) fail(c *fiber.Ctx, err error, action string) error {
	return utils.RespondWithServiceError(c, h.Logger, err, action)
}
