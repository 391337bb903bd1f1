package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"recapflow/api-gateway/utils"
)

// AssetDownload is a time-limited link to an asset's file.
type AssetDownload struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Filename  string    `json:"filename"`
}

// GetAsset godoc
// @Summary Get an asset
// @Tags assets
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Asset ID"
// @Success 200 {object} utils.SuccessResponse{data=models.Asset}
// @Failure 404 {object} utils.ErrorResponse
// @Router /assets/{id} [get]
func (h *ApplicationHandler) GetAsset(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "asset")
	}
	asset, err := h.Store.GetAsset(c.UserContext(), h.principal(c).TenantID, id)
	if err != nil {
		return h.fail(c, err, "Get asset")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, asset)
}

// DownloadAsset godoc
// @Summary Get a download link for an asset
// @Description Returns a signed URL for the stored file, valid for the configured time.
// @Tags assets
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Asset ID"
// @Success 200 {object} utils.SuccessResponse{data=AssetDownload}
// @Failure 404 {object} utils.ErrorResponse
// @Failure 503 {object} utils.ErrorResponse "No object storage configured"
// @Router /assets/{id}/download [get]
func (h *ApplicationHandler) DownloadAsset(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "asset")
	}
	asset, err := h.Store.GetAsset(c.UserContext(), h.principal(c).TenantID, id)
	if err != nil {
		return h.fail(c, err, "Download asset")
	}

	ttl := h.Config.SignedURLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	url, err := h.Signer.SignedURL(c.UserContext(), asset.StoragePath, ttl)
	if err != nil {
		return h.fail(c, err, "Download asset")
	}
	h.Logger.WithFields(logrus.Fields{
		"asset_id": asset.ID,
		"storage":  h.Signer.Name(),
	}).Debug("Signed asset download")
	return utils.RespondWithJSON(c, fiber.StatusOK, AssetDownload{
		URL:       url,
		ExpiresAt: h.now().Add(ttl),
		Filename:  asset.Filename,
	})
}

// ListAssetTranscripts godoc
// @Summary List the transcripts of an asset
// @Tags assets
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Asset ID"
// @Success 200 {object} utils.SuccessResponse{data=[]models.Transcript}
// @Failure 404 {object} utils.ErrorResponse
// @Router /assets/{id}/transcripts [get]
func (h *ApplicationHandler) ListAssetTranscripts(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "asset")
	}
	tenantID := h.principal(c).TenantID
	if _, err := h.Store.GetAsset(c.UserContext(), tenantID, id); err != nil {
		return h.fail(c, err, "List transcripts")
	}
	transcripts, err := h.Store.ListTranscripts(c.UserContext(), tenantID, id)
	if err != nil {
		return h.fail(c, err, "List transcripts")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, transcripts)
}

// ListAssetModeration godoc
// @Summary List the moderation verdicts of an asset
// @Tags assets
// @Produce  json
// @Security BearerAuth
// @Param id path string true "Asset ID"
// @Success 200 {object} utils.SuccessResponse{data=[]models.ContentModeration}
// @Failure 404 {object} utils.ErrorResponse
// @Router /assets/{id}/moderation [get]
func (h *ApplicationHandler) ListAssetModeration(c *fiber.Ctx) error {
	id, ok := uuidParam(c, "id")
	if !ok {
		return badID(c, "asset")
	}
	tenantID := h.principal(c).TenantID
	if _, err := h.Store.GetAsset(c.UserContext(), tenantID, id); err != nil {
		return h.fail(c, err, "List moderation")
	}
	verdicts, err := h.Store.ListModeration(c.UserContext(), tenantID, id)
	if err != nil {
		return h.fail(c, err, "List moderation")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, verdicts)
}
