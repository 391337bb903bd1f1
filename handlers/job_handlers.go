package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"recapflow/api-gateway/internal/jobs"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/models"
	"recapflow/api-gateway/utils"
)

// CreateJob godoc
// @Summary Create a processing job
// @Description Queues a job of any pipeline stage over assets of one project and schedules its trigger.
// @Tags jobs
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param job body jobs.CreateRequest true "Job to create"
// @Success 201 {object} utils.SuccessResponse{data=models.ProcessingJob}
// @Failure 400 {object} utils.ErrorResponse
// @Failure 402 {object} utils.ErrorResponse "Monthly job quota exhausted"
// @Failure 404 {object} utils.ErrorResponse
// @Router /jobs [post]
func (h *ApplicationHandler) CreateJob(c *fiber.Ctx) error {
	var req jobs.CreateRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}
	job, err := h.Jobs.Create(c.UserContext(), h.principal(c), req)
	if err != nil {
		return h.fail(c, err, "Create job")
	}
	return utils.RespondWithJSON(c, fiber.StatusCreated, job)
}

// ListJobs godoc
// @Summary List jobs
// @Tags jobs
// @Produce  json
// @Security BearerAuth
// @Param status query string false "Filter by status"
// @Param type query string false "Filter by job type"
// @Param project_id query string false "Filter by project"
// @Param limit query int false "Page size (1-100)"
// @Param offset query int false "Page offset"
// @Success 200 {object} utils.SuccessResponse{data=utils.ListResponse{items=[]models.ProcessingJob}}
// @Failure 400 {object} utils.ErrorResponse
// @Router /jobs [get]
func (h *ApplicationHandler) ListJobs(c *fiber.Ctx) error {
	page, err := pageFromQuery(c, 100)
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, err.Error())
	}
	filter := store.JobFilter{Page: page}
	if raw := c.Query("status"); raw != "" {
		status, ok := models.ParseJobStatus(raw)
		if !ok {
			return utils.RespondWithError(c, fiber.StatusBadRequest, "Unknown job status "+raw)
		}
		filter.Status = status
	}
	if raw := c.Query("type"); raw != "" {
		if !models.ValidJobType(raw) {
			return utils.RespondWithError(c, fiber.StatusBadRequest, "Unknown job type "+raw)
		}
		filter.Type = models.JobType(raw)
	}
	if raw := c.Query("project_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return badID(c, "project")
		}
		filter.ProjectID = &id
	}

	list, total, err := h.Jobs.List(c.UserContext(), h.principal(c).TenantID, filter)
	if err != nil {
		return h.fail(c, err, "List jobs")
	}
	return utils.RespondWithList(c, list, total, page)
}

// GetJob godoc
// @Summary Get a job
// @Tags jobs
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Job ID"
// @Success 200 {object} utils.SuccessResponse{data=models.ProcessingJob}
// @Failure 404 {object} utils.ErrorResponse
// @Router /jobs/{id} [get]
func (h *ApplicationHandler) GetJob(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "job")
	}
	job, err := h.Jobs.Get(c.UserContext(), h.principal(c).TenantID, id)
	if err != nil {
		return h.fail(c, err, "Get job")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, job)
}

// GetJobProgress godoc
// @Summary Poll job progress
// @Description Returns status, progress, runtime and the estimated completion time. This is what the UI polls.
// @Tags jobs
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Job ID"
// @Success 200 {object} utils.SuccessResponse{data=jobs.ProgressReport}
// @Failure 404 {object} utils.ErrorResponse
// @Router /jobs/{id}/progress [get]
func (h *ApplicationHandler) GetJobProgress(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "job")
	}
	report, err := h.Jobs.Progress(c.UserContext(), h.principal(c).TenantID, id)
	if err != nil {
		return h.fail(c, err, "Get job progress")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, report)
}

// CancelJob godoc
// @Summary Cancel a job
// @Description A pending job is cancelled at once and its trigger is never sent. A running job is
// @Description cancelled on the processing backend and stays running until the backend confirms.
// @Tags jobs
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Job ID"
// @Success 200 {object} utils.SuccessResponse{data=models.ProcessingJob}
// @Failure 404 {object} utils.ErrorResponse
// @Failure 409 {object} utils.ErrorResponse "Job can no longer be cancelled"
// @Router /jobs/{id}/cancel [post]
func (h *ApplicationHandler) CancelJob(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "job")
	}
	job, err := h.Jobs.Cancel(c.UserContext(), h.principal(c), id)
	if err != nil {
		return h.fail(c, err, "Cancel job")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, job)
}

// JobAction godoc
// @Summary Act on a job
// @Description Applies approve_scenes, reject_scenes, continue_processing, retry, cancel or adjust_settings.
// @Tags jobs
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Job ID"
// @Param action body jobs.ActionRequest true "Action"
// @Success 200 {object} utils.SuccessResponse{data=jobs.ActionResult}
// @Failure 400 {object} utils.ErrorResponse
// @Failure 404 {object} utils.ErrorResponse
// @Failure 409 {object} utils.ErrorResponse
// @Router /jobs/{id}/actions [post]
func (h *ApplicationHandler) JobAction(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "job")
	}
	var req jobs.ActionRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}
	result, err := h.Jobs.Act(c.UserContext(), h.principal(c), id, req)
	if err != nil {
		return h.fail(c, err, "Job action")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, result)
}

// ListJobScenes godoc
// @Summary List the scenes of a job
// @Tags jobs
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Job ID"
// @Success 200 {object} utils.SuccessResponse{data=[]models.Scene}
// @Failure 404 {object} utils.ErrorResponse
// @Router /jobs/{id}/scenes [get]
func (h *ApplicationHandler) ListJobScenes(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "job")
	}
	scenes, err := h.Jobs.Scenes(c.UserContext(), h.principal(c).TenantID, id)
	if err != nil {
		return h.fail(c, err, "List scenes")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, scenes)
}

// ListJobLogs godoc
// @Summary List the audit log of a job
// @Tags jobs
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Job ID"
// @Param level query string false "Filter by level (info, warning, error)"
// @Param limit query int false "Page size (1-1000)"
// @Param offset query int false "Page offset"
// @Success 200 {object} utils.SuccessResponse{data=utils.ListResponse{items=[]models.AuditLog}}
// @Failure 404 {object} utils.ErrorResponse
// @Router /jobs/{id}/logs [get]
func (h *ApplicationHandler) ListJobLogs(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "job")
	}
	page, err := pageFromQuery(c, 1000)
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, err.Error())
	}
	level := c.Query("level")
	switch level {
	case "", models.LogLevelInfo, models.LogLevelWarning, models.LogLevelError:
	default:
		return utils.RespondWithError(c, fiber.StatusBadRequest, "level must be info, warning or error")
	}
	logs, total, err := h.Jobs.Logs(c.UserContext(), h.principal(c).TenantID, id, store.AuditFilter{Level: level, Page: page})
	if err != nil {
		return h.fail(c, err, "List job logs")
	}
	return utils.RespondWithList(c, logs, total, page)
}
