package handlers

import (
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/models"
	"recapflow/api-gateway/utils"
)

// CreateProjectRequest defines the expected request body for creating a project.
// Title is required. Description and Settings are optional.
type CreateProjectRequest struct {
	Title       string         `json:"title" validate:"required,max=255"`
	Description *string        `json:"description,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

// UpdateProjectRequest is a partial update; absent fields are left unchanged.
type UpdateProjectRequest struct {
	Title       *string        `json:"title,omitempty" validate:"omitempty,min=1,max=255"`
	Description *string        `json:"description,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
	Status      *string        `json:"status,omitempty" validate:"omitempty,oneof=active processing completed archived"`
}

// CreateProject godoc
// @Summary Create a new project
// @Description Creates a project owned by the caller in the caller's tenant.
// @Tags projects
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param   project body CreateProjectRequest true "Project to create"
// @Success 201 {object} utils.SuccessResponse{data=models.Project} "Project created successfully"
// @Failure 400 {object} utils.ErrorResponse "Bad request if input is invalid (e.g., missing title)"
// @Failure 500 {object} utils.ErrorResponse "Internal server error if project creation fails"
// @Router /projects [post]
func (h *ApplicationHandler) CreateProject(c *fiber.Ctx) error {
	var req CreateProjectRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}
	p := h.principal(c)

	project := &models.Project{
		TenantID:    p.TenantID,
		UserID:      p.UserID,
		Title:       utils.SanitizeInput(req.Title),
		Description: req.Description,
	}
	if req.Settings != nil {
		raw, err := json.Marshal(req.Settings)
		if err != nil {
			return utils.RespondWithError(c, fiber.StatusBadRequest, "settings must be a JSON object")
		}
		project.Settings = datatypes.JSON(raw)
	}

	err := h.Store.Transaction(c.UserContext(), func(tx *store.Store) error {
		if err := tx.CreateProject(c.UserContext(), project); err != nil {
			return err
		}
		return tx.Audit(c.UserContext(), store.AuditEntry{
			TenantID:     p.TenantID,
			UserID:       &p.UserID,
			ResourceType: models.ResourceProject,
			ResourceID:   project.ID,
			Action:       "project.created",
			Level:        models.LogLevelInfo,
			Message:      fmt.Sprintf("Project %q created", project.Title),
		})
	})
	if err != nil {
		return h.fail(c, err, "Create project")
	}

	h.Logger.WithFields(logrus.Fields{
		"project_id": project.ID,
		"tenant_id":  project.TenantID,
	}).Info("Project created")
	return utils.RespondWithJSON(c, fiber.StatusCreated, project)
}

// ListProjects godoc
// @Summary List projects
// @Description Lists the projects of the caller's tenant, newest first.
// @Tags projects
// @Produce  json
// @Security BearerAuth
// @Param status query string false "Filter by status"
// @Param limit query int false "Page size (1-100)"
// @Param offset query int false "Page offset"
// @Success 200 {object} utils.SuccessResponse{data=utils.ListResponse{items=[]models.Project}}
// @Failure 400 {object} utils.ErrorResponse
// @Router /projects [get]
func (h *ApplicationHandler) ListProjects(c *fiber.Ctx) error {
	page, err := pageFromQuery(c, 100)
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, err.Error())
	}
	projects, total, err := h.Store.ListProjects(c.UserContext(), h.principal(c).TenantID, store.ProjectFilter{
		Status: c.Query("status"),
		Page:   page,
	})
	if err != nil {
		return h.fail(c, err, "List projects")
	}
	return utils.RespondWithList(c, projects, total, page)
}

// GetProject godoc
// @Summary Get a project
// @Tags projects
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Project ID"
// @Success 200 {object} utils.SuccessResponse{data=models.Project}
// @Failure 404 {object} utils.ErrorResponse
// @Router /projects/{id} [get]
func (h *ApplicationHandler) GetProject(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "project")
	}
	project, err := h.Store.GetProject(c.UserContext(), h.principal(c).TenantID, id)
	if err != nil {
		return h.fail(c, err, "Get project")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, project)
}

// UpdateProject godoc
// @Summary Update a project
// @Description Updates the title, description, settings or status of a project.
// @Tags projects
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Project ID"
// @Param project body UpdateProjectRequest true "Fields to update"
// @Success 200 {object} utils.SuccessResponse{data=models.Project}
// @Failure 400 {object} utils.ErrorResponse
// @Failure 404 {object} utils.ErrorResponse
// @Router /projects/{id} [patch]
func (h *ApplicationHandler) UpdateProject(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "project")
	}
	var req UpdateProjectRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}
	p := h.principal(c)

	project, err := h.Store.GetProject(c.UserContext(), p.TenantID, id)
	if err != nil {
		return h.fail(c, err, "Update project")
	}
	if req.Title != nil {
		project.Title = utils.SanitizeInput(*req.Title)
	}
	if req.Description != nil {
		project.Description = req.Description
	}
	if req.Status != nil {
		project.Status = *req.Status
	}
	if req.Settings != nil {
		raw, err := json.Marshal(req.Settings)
		if err != nil {
			return utils.RespondWithError(c, fiber.StatusBadRequest, "settings must be a JSON object")
		}
		project.Settings = datatypes.JSON(raw)
	}
	if err := h.Store.SaveProject(c.UserContext(), project); err != nil {
		return h.fail(c, err, "Update project")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, project)
}

// DeleteProject godoc
// @Summary Delete a project
// @Description Deletes a project with its assets and jobs. Projects with active jobs cannot be deleted.
// @Tags projects
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Project ID"
// @Success 204
// @Failure 404 {object} utils.ErrorResponse
// @Failure 409 {object} utils.ErrorResponse
// @Router /projects/{id} [delete]
func (h *ApplicationHandler) DeleteProject(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "project")
	}
	p := h.principal(c)
	ctx := c.UserContext()

	if _, err := h.Store.GetProject(ctx, p.TenantID, id); err != nil {
		return h.fail(c, err, "Delete project")
	}
	for _, status := range []models.JobStatus{models.JobStatusRunning, models.JobStatusManualReview} {
		_, n, err := h.Store.ListJobs(ctx, p.TenantID, store.JobFilter{ProjectID: &id, Status: status, Page: store.Page{Limit: 1}})
		if err != nil {
			return h.fail(c, err, "Delete project")
		}
		if n > 0 {
			return utils.RespondWithError(c, fiber.StatusConflict, "Project has jobs in progress; cancel them first")
		}
	}
	if err := h.Store.DeleteProject(ctx, p.TenantID, id); err != nil {
		return h.fail(c, err, "Delete project")
	}

	h.Logger.WithFields(logrus.Fields{"project_id": id, "tenant_id": p.TenantID}).Info("Project deleted")
	return c.SendStatus(fiber.StatusNoContent)
}

// GetProjectStats godoc
// @Summary Project statistics
// @Description Counts the project's assets by type and its jobs by status.
// @Tags projects
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Project ID"
// @Success 200 {object} utils.SuccessResponse{data=store.ProjectStats}
// @Failure 404 {object} utils.ErrorResponse
// @Router /projects/{id}/stats [get]
func (h *ApplicationHandler) GetProjectStats(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "project")
	}
	tenantID := h.principal(c).TenantID
	if _, err := h.Store.GetProject(c.UserContext(), tenantID, id); err != nil {
		return h.fail(c, err, "Get project stats")
	}
	stats, err := h.Store.GetProjectStats(c.UserContext(), tenantID, id)
	if err != nil {
		return h.fail(c, err, "Get project stats")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, stats)
}

// ListProjectAssets godoc
// @Summary List the assets of a project
// @Tags projects
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Project ID"
// @Success 200 {object} utils.SuccessResponse{data=[]models.Asset}
// @Failure 404 {object} utils.ErrorResponse
// @Router /projects/{id}/assets [get]
func (h *ApplicationHandler) ListProjectAssets(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "project")
	}
	tenantID := h.principal(c).TenantID
	if _, err := h.Store.GetProject(c.UserContext(), tenantID, id); err != nil {
		return h.fail(c, err, "List assets")
	}
	assets, err := h.Store.ListProjectAssets(c.UserContext(), tenantID, id)
	if err != nil {
		return h.fail(c, err, "List assets")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, assets)
}

// ListProjectJobs godoc
// @Summary List the jobs of a project
// @Tags projects
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Project ID"
// @Param limit query int false "Page size (1-100)"
// @Param offset query int false "Page offset"
// @Success 200 {object} utils.SuccessResponse{data=utils.ListResponse{items=[]models.ProcessingJob}}
// @Failure 404 {object} utils.ErrorResponse
// @Router /projects/{id}/jobs [get]
func (h *ApplicationHandler) ListProjectJobs(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "project")
	}
	page, err := pageFromQuery(c, 100)
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, err.Error())
	}
	tenantID := h.principal(c).TenantID
	if _, err := h.Store.GetProject(c.UserContext(), tenantID, id); err != nil {
		return h.fail(c, err, "List jobs")
	}
	jobs, total, err := h.Jobs.List(c.UserContext(), tenantID, store.JobFilter{ProjectID: &id, Page: page})
	if err != nil {
		return h.fail(c, err, "List jobs")
	}
	return utils.RespondWithList(c, jobs, total, page)
}
