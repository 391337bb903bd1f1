package handlers

import (
	"github.com/gofiber/fiber/v2"

	"recapflow/api-gateway/internal/quota"
	"recapflow/api-gateway/utils"
)

// GetUsage godoc
// @Summary Current usage against quotas
// @Description Storage footprint, processing time and jobs of the current month next to the tenant's limits.
// @Tags usage
// @Produce  json
// @Security BearerAuth
// @Success 200 {object} utils.SuccessResponse{data=quota.Summary}
// @Router /usage [get]
func (h *ApplicationHandler) GetUsage(c *fiber.Ctx) error {
	tenant, err := h.Store.GetTenant(c.UserContext(), h.principal(c).TenantID)
	if err != nil {
		return h.fail(c, err, "Get usage")
	}
	summary, err := quota.Summarize(c.UserContext(), h.Store, tenant, h.now())
	if err != nil {
		return h.fail(c, err, "Get usage")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, summary)
}
