package handlers

import (
	"github.com/gofiber/fiber/v2"

	"recapflow/api-gateway/internal/jobs"
	"recapflow/api-gateway/utils"
)

// JobCallback godoc
// @Summary Backend job report
// @Description Called by the processing backend with status, progress, outputs and analysis results of a job.
// @Description The body must be signed with the shared callback secret (X-Webhook-Timestamp, X-Webhook-Signature).
// @Tags callbacks
// @Accept  json
// @Produce  json
// @Param jobId path string true "Job ID"
// @Param report body jobs.Callback true "Report"
// @Success 200 {object} utils.SuccessResponse{data=models.ProcessingJob}
// @Failure 400 {object} utils.ErrorResponse
// @Failure 401 {object} utils.ErrorResponse "Bad signature"
// @Failure 404 {object} utils.ErrorResponse
// @Failure 409 {object} utils.ErrorResponse "Illegal status change"
// @Router /callbacks/jobs/{jobId} [post]
func (h *ApplicationHandler) JobCallback(c *fiber.Ctx) error {
	jobID, ok := uuidParam(c, "jobId")
	if !ok {
		return badID(c, "job")
	}
	var cb jobs.Callback
	if err := c.BodyParser(&cb); err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Cannot parse callback body: "+err.Error())
	}
	job, err := h.Jobs.ApplyCallback(c.UserContext(), jobID, cb)
	if err != nil {
		return h.fail(c, err, "Apply callback")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, job)
}
