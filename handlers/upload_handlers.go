package handlers

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"recapflow/api-gateway/internal/upload"
	"recapflow/api-gateway/utils"
)

// UploadRoute is returned when a file is too large for a single request.
type UploadRoute struct {
	Path      upload.Path `json:"path"`
	Threshold int64       `json:"threshold_bytes"`
	InitURL   string      `json:"init_url"`
}

// Upload godoc
// @Summary Upload a file
// @Description Routes the file by size. Files below the direct threshold are stored at once; larger
// @Description files get 409 and must use a resumable upload through /uploads/init.
// @Tags uploads
// @Accept  multipart/form-data
// @Produce  json
// @Security BearerAuth
// @Param project_id formData string true "Project ID"
// @Param file_type formData string true "video or script"
// @Param file formData file true "File"
// @Success 201 {object} utils.SuccessResponse{data=upload.Result}
// @Failure 400 {object} utils.ErrorResponse
// @Failure 402 {object} utils.ErrorResponse "Storage or job quota exhausted"
// @Failure 409 {object} utils.ErrorResponse "Use a resumable upload"
// @Failure 502 {object} utils.ErrorResponse "Processing backend rejected the upload"
// @Router /uploads [post]
func (h *ApplicationHandler) Upload(c *fiber.Ctx) error {
	// A body over the limit is never read. Its file is past the threshold.
	switch n := c.Request().Header.ContentLength(); {
	case n == -1:
		c.Set(fiber.HeaderConnection, "close")
		return fiber.ErrLengthRequired
	case int64(n) > h.Config.BodyLimitBytes:
		c.Set(fiber.HeaderConnection, "close")
		return h.resumableHint(c)
	}
	return h.receive(c, false)
}

// DirectUpload godoc
// @Summary Upload a small file in one request
// @Description Streams the file to the processing backend, registers the asset and, for videos,
// @Description queues the preprocess job. Files at or above the direct threshold are rejected.
// @Tags uploads
// @Accept  multipart/form-data
// @Produce  json
// @Security BearerAuth
// @Param project_id formData string true "Project ID"
// @Param file_type formData string true "video or script"
// @Param file formData file true "File"
// @Success 201 {object} utils.SuccessResponse{data=upload.Result}
// @Failure 400 {object} utils.ErrorResponse
// @Failure 413 {object} utils.ErrorResponse
// @Failure 502 {object} utils.ErrorResponse
// @Router /uploads/direct [post]
func (h *ApplicationHandler) DirectUpload(c *fiber.Ctx) error {
	return h.receive(c, true)
}

func (h *ApplicationHandler) receive(c *fiber.Ctx, directOnly bool) error {
	projectID, err := uuid.Parse(c.FormValue("project_id"))
	if err != nil {
		return badID(c, "project")
	}
	fileType := strings.ToLower(strings.TrimSpace(c.FormValue("file_type")))
	file, err := c.FormFile("file")
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, fmt.Sprintf("Error getting file: %v", err))
	}

	if !directOnly && h.Uploads.Route(file.Size) == upload.PathResumable {
		return h.resumableHint(c)
	}

	fileHandle, err := file.Open()
	if err != nil {
		h.Logger.WithError(err).Error("Error opening uploaded file")
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "Error opening file")
	}
	defer fileHandle.Close()

	p := h.principal(c)
	h.Logger.WithFields(logrus.Fields{
		"project_id": projectID,
		"tenant_id":  p.TenantID,
		"filename":   file.Filename,
		"size":       file.Size,
	}).Info("Received direct upload")

	res, err := h.Uploads.Direct(c.UserContext(), p, upload.DirectRequest{
		ProjectID: projectID,
		FileType:  fileType,
		Filename:  file.Filename,
		Size:      file.Size,
		Body:      fileHandle,
	})
	if err != nil {
		return h.fail(c, err, "Upload")
	}
	return utils.RespondWithJSON(c, fiber.StatusCreated, res)
}

func (h *ApplicationHandler) resumableHint(c *fiber.Ctx) error {
	return c.Status(fiber.StatusConflict).JSON(fiber.Map{
		"status":  "error",
		"message": fmt.Sprintf("Files of %d bytes or more must use a resumable upload", h.Uploads.Threshold()),
		"data": UploadRoute{
			Path:      upload.PathResumable,
			Threshold: h.Uploads.Threshold(),
			InitURL:   "/api/v1/uploads/init",
		},
	})
}

// InitUpload godoc
// @Summary Open a resumable upload
// @Description Opens an upload session on the processing backend. The client then PUTs chunks to
// @Description upload_url with a Content-Range header and finishes with /uploads/{uploadId}/complete.
// @Tags uploads
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param upload body upload.InitRequest true "File to upload"
// @Success 201 {object} utils.SuccessResponse{data=models.UploadSession}
// @Failure 400 {object} utils.ErrorResponse
// @Failure 402 {object} utils.ErrorResponse
// @Failure 502 {object} utils.ErrorResponse
// @Router /uploads/init [post]
func (h *ApplicationHandler) InitUpload(c *fiber.Ctx) error {
	var req upload.InitRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}
	sess, err := h.Uploads.Init(c.UserContext(), h.principal(c), req)
	if err != nil {
		return h.fail(c, err, "Initialize upload")
	}
	return utils.RespondWithJSON(c, fiber.StatusCreated, sess)
}

// CompleteUpload godoc
// @Summary Finish a resumable upload
// @Tags uploads
// @Accept  json
// @Produce  json
// @Security BearerAuth
// @Param uploadId path string true "Upload ID"
// @Param upload body upload.CompleteRequest false "Client checksum"
// @Success 201 {object} utils.SuccessResponse{data=upload.Result}
// @Failure 400 {object} utils.ErrorResponse "Checksum mismatch"
// @Failure 404 {object} utils.ErrorResponse
// @Failure 409 {object} utils.ErrorResponse "Session already closed"
// @Failure 410 {object} utils.ErrorResponse "Session expired"
// @Failure 502 {object} utils.ErrorResponse
// @Router /uploads/{uploadId}/complete [post]
func (h *ApplicationHandler) CompleteUpload(c *fiber.Ctx) error {
	var req upload.CompleteRequest
	if len(c.Body()) > 0 {
		if ok, err := h.bind(c, &req); !ok {
			return err
		}
	}
	res, err := h.Uploads.Complete(c.UserContext(), h.principal(c), c.Params("uploadId"), req)
	if err != nil {
		return h.fail(c, err, "Complete upload")
	}
	return utils.RespondWithJSON(c, fiber.StatusCreated, res)
}

// UploadStatus godoc
// @Summary Resumable upload progress
// @Tags uploads
// @Produce  json
// @Security BearerAuth
// @Param uploadId path string true "Upload ID"
// @Success 200 {object} utils.SuccessResponse{data=backend.UploadStatus}
// @Failure 404 {object} utils.ErrorResponse
// @Failure 502 {object} utils.ErrorResponse
// @Router /uploads/{uploadId}/status [get]
func (h *ApplicationHandler) UploadStatus(c *fiber.Ctx) error {
	status, err := h.Uploads.Status(c.UserContext(), h.principal(c), c.Params("uploadId"))
	if err != nil {
		return h.fail(c, err, "Get upload status")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, status)
}
