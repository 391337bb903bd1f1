package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"recapflow/api-gateway/internal/quota"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/internal/tenancy"
	"recapflow/api-gateway/models"
	"recapflow/api-gateway/utils"
)

// CreateTenant godoc
// @Summary Create a tenant
// @Tags admin
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param tenant body tenancy.CreateTenantRequest true "Tenant"
// @Success 201 {object} utils.SuccessResponse{data=models.Tenant}
// @Failure 400 {object} utils.ErrorResponse
// @Failure 409 {object} utils.ErrorResponse "Name taken"
// @Router /admin/tenants [post]
func (h *ApplicationHandler) CreateTenant(c *fiber.Ctx) error {
	var req tenancy.CreateTenantRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Cannot parse request body: "+err.Error())
	}
	t, err := tenancy.CreateTenant(c.UserContext(), h.Store, req)
	if err != nil {
		return h.fail(c, err, "Create tenant")
	}
	h.Logger.WithFields(logrus.Fields{"tenant_id": t.ID, "name": t.Name}).Info("Tenant created")
	return utils.RespondWithJSON(c, fiber.StatusCreated, t)
}

// ListTenants godoc
// @Summary List tenants
// @Tags admin
// @Produce  json
// @Security BearerAuth
// @Param limit query int false "Page size (1-100)"
// @Param offset query int false "Page offset"
// @Success 200 {object} utils.SuccessResponse{data=utils.ListResponse{items=[]models.Tenant}}
// @Router /admin/tenants [get]
func (h *ApplicationHandler) ListTenants(c *fiber.Ctx) error {
	page, err := pageFromQuery(c, 100)
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, err.Error())
	}
	tenants, total, err := h.Store.ListTenants(c.UserContext(), page)
	if err != nil {
		return h.fail(c, err, "List tenants")
	}
	return utils.RespondWithList(c, tenants, total, page)
}

// GetTenant godoc
// @Summary Get a tenant
// @Tags admin
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Tenant ID"
// @Success 200 {object} utils.SuccessResponse{data=models.Tenant}
// @Failure 404 {object} utils.ErrorResponse
// @Router /admin/tenants/{id} [get]
func (h *ApplicationHandler) GetTenant(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "tenant")
	}
	t, err := h.Store.GetTenant(c.UserContext(), id)
	if err != nil {
		return h.fail(c, err, "Get tenant")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, t)
}

// UpdateTenant godoc
// @Summary Update a tenant
// @Description Changes quotas, plan, trigger or the active flag of a tenant.
// @Tags admin
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Tenant ID"
// @Param tenant body tenancy.UpdateTenantRequest true "Fields to update"
// @Success 200 {object} utils.SuccessResponse{data=models.Tenant}
// @Failure 400 {object} utils.ErrorResponse
// @Failure 404 {object} utils.ErrorResponse
// @Router /admin/tenants/{id} [patch]
func (h *ApplicationHandler) UpdateTenant(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "tenant")
	}
	var req tenancy.UpdateTenantRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Cannot parse request body: "+err.Error())
	}
	t, err := tenancy.UpdateTenant(c.UserContext(), h.Store, id, req)
	if err != nil {
		return h.fail(c, err, "Update tenant")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, t)
}

// DeleteTenant godoc
// @Summary Delete a tenant
// @Description Deactivates the tenant by default. With force=true the tenant is removed together
// @Description with its users, projects, assets and jobs.
// @Tags admin
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Tenant ID"
// @Param force query bool false "Remove the tenant and all of its data"
// @Success 204
// @Failure 404 {object} utils.ErrorResponse
// @Router /admin/tenants/{id} [delete]
func (h *ApplicationHandler) DeleteTenant(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "tenant")
	}
	force := c.QueryBool("force")
	if err := tenancy.DeleteTenant(c.UserContext(), h.Store, id, force); err != nil {
		return h.fail(c, err, "Delete tenant")
	}
	h.Logger.WithFields(logrus.Fields{
		"tenant_id": id,
		"admin_id":  h.principal(c).UserID,
		"hard":      force,
	}).Warn("Tenant deleted")
	return c.SendStatus(fiber.StatusNoContent)
}

// GetTenantUsage godoc
// @Summary Usage of a tenant
// @Tags admin
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Tenant ID"
// @Param period query string false "Month as YYYY-MM, the current month by default"
// @Success 200 {object} utils.SuccessResponse{data=quota.Summary}
// @Failure 400 {object} utils.ErrorResponse
// @Failure 404 {object} utils.ErrorResponse
// @Router /admin/tenants/{id}/usage [get]
func (h *ApplicationHandler) GetTenantUsage(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "tenant")
	}
	at := h.now()
	if period := c.Query("period"); period != "" {
		t, err := time.Parse(models.PeriodLayout, period)
		if err != nil {
			return utils.RespondWithError(c, fiber.StatusBadRequest, "period must be YYYY-MM")
		}
		at = t
	}
	tenant, err := h.Store.GetTenant(c.UserContext(), id)
	if err != nil {
		return h.fail(c, err, "Get tenant usage")
	}
	summary, err := quota.Summarize(c.UserContext(), h.Store, tenant, at)
	if err != nil {
		return h.fail(c, err, "Get tenant usage")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, summary)
}

// CreateTenantUser godoc
// @Summary Create a user in a tenant
// @Tags admin
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Tenant ID"
// @Param user body tenancy.CreateUserRequest true "User"
// @Success 201 {object} utils.SuccessResponse{data=models.User}
// @Failure 400 {object} utils.ErrorResponse
// @Failure 404 {object} utils.ErrorResponse
// @Failure 409 {object} utils.ErrorResponse "Email taken"
// @Router /admin/tenants/{id}/users [post]
func (h *ApplicationHandler) CreateTenantUser(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "tenant")
	}
	var req tenancy.CreateUserRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Cannot parse request body: "+err.Error())
	}
	u, err := tenancy.CreateUser(c.UserContext(), h.Store, id, req)
	if err != nil {
		return h.fail(c, err, "Create user")
	}
	h.Logger.WithFields(logrus.Fields{"tenant_id": id, "user_id": u.ID}).Info("User created")
	return utils.RespondWithJSON(c, fiber.StatusCreated, u)
}

// ListOutbox godoc
// @Summary List outbox messages
// @Description Lists pipeline trigger and backend control messages, for example the dead ones awaiting an operator.
// @Tags admin
// @Produce  json
// @Security BearerAuth
// @Param status query string false "pending, delivered, dead or discarded"
// @Param limit query int false "Page size (1-100)"
// @Param offset query int false "Page offset"
// @Success 200 {object} utils.SuccessResponse{data=utils.ListResponse{items=[]models.OutboxMessage}}
// @Router /admin/outbox [get]
func (h *ApplicationHandler) ListOutbox(c *fiber.Ctx) error {
	page, err := pageFromQuery(c, 100)
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, err.Error())
	}
	status := c.Query("status")
	switch status {
	case "", models.OutboxPending, models.OutboxDelivered, models.OutboxDead, models.OutboxDiscarded:
	default:
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Unknown outbox status "+status)
	}
	msgs, total, err := h.Store.ListOutbox(c.UserContext(), status, page)
	if err != nil {
		return h.fail(c, err, "List outbox")
	}
	return utils.RespondWithList(c, msgs, total, page)
}

// RequeueOutbox godoc
// @Summary Requeue a dead outbox message
// @Description Resets the attempts of a dead message so the relay delivers it again.
// @Tags admin
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Message ID"
// @Success 200 {object} utils.SuccessResponse{data=models.OutboxMessage}
// @Failure 404 {object} utils.ErrorResponse
// @Failure 409 {object} utils.ErrorResponse "Message is not dead"
// @Router /admin/outbox/{id}/requeue [post]
func (h *ApplicationHandler) RequeueOutbox(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "message")
	}
	p := h.principal(c)
	ctx := c.UserContext()

	var msg *models.OutboxMessage
	err := h.Store.Transaction(ctx, func(tx *store.Store) error {
		var err error
		msg, err = tx.RequeueOutbox(ctx, id, time.Now().UTC())
		if err != nil {
			return err
		}
		return tx.Audit(ctx, store.AuditEntry{
			TenantID:     msg.TenantID,
			UserID:       &p.UserID,
			ResourceType: models.ResourceJob,
			ResourceID:   msg.JobID,
			Action:       "outbox.requeued",
			Level:        models.LogLevelWarning,
			Message:      "Undelivered " + string(msg.Kind) + " requeued by an operator",
			Details:      map[string]any{"message_id": msg.ID},
		})
	})
	if err != nil {
		return h.fail(c, err, "Requeue outbox message")
	}
	h.Logger.WithFields(logrus.Fields{"message_id": id, "kind": msg.Kind}).Warn("Outbox message requeued")
	return utils.RespondWithJSON(c, fiber.StatusOK, msg)
}
