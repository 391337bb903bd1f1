package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	fiberSwagger "github.com/swaggo/fiber-swagger"

	"recapflow/api-gateway/middleware"
)

// Register mounts every route of the gateway on app.
func (h *ApplicationHandler) Register(app *fiber.App) {
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.LimitBody(h.Config.BodyLimitBytes, isUploadRoute))

	app.Get("/health", h.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/swagger/*", fiberSwagger.WrapHandler)

	apiV1 := app.Group("/api/v1")

	// Backend callbacks authenticate with the shared secret, not a user token.
	apiV1.Post("/callbacks/jobs/:jobId", middleware.VerifyCallbackSignature(h.Config.CallbackSecret, h.Logger), h.JobCallback)

	authed := apiV1.Group("",
		middleware.RequireAuth(h.Identity, h.Logger),
		middleware.RateLimit(h.Config.RateLimitRequests, h.Config.RateLimitWindow),
	)
	uploadLimit := middleware.RateLimit(h.Config.UploadRateRequests, h.Config.UploadRateWindow)

	// Project routes
	authed.Post("/projects", h.CreateProject)
	authed.Get("/projects", h.ListProjects)
	authed.Get("/projects/:id", h.GetProject)
	authed.Patch("/projects/:id", h.UpdateProject)
	authed.Delete("/projects/:id", h.DeleteProject)
	authed.Get("/projects/:id/assets", h.ListProjectAssets)
	authed.Get("/projects/:id/jobs", h.ListProjectJobs)
	authed.Get("/projects/:id/stats", h.GetProjectStats)

	// Upload routes
	authed.Post("/uploads", uploadLimit, h.Upload)
	authed.Post("/uploads/direct", uploadLimit, h.DirectUpload)
	authed.Post("/uploads/init", uploadLimit, h.InitUpload)
	authed.Post("/uploads/:uploadId/complete", h.CompleteUpload)
	authed.Get("/uploads/:uploadId/status", h.UploadStatus)

	// Asset routes
	authed.Get("/assets/:id", h.GetAsset)
	authed.Get("/assets/:id/download", h.DownloadAsset)
	authed.Get("/assets/:id/transcripts", h.ListAssetTranscripts)
	authed.Get("/assets/:id/moderation", h.ListAssetModeration)

	// Job routes
	authed.Post("/jobs", h.CreateJob)
	authed.Get("/jobs", h.ListJobs)
	authed.Get("/jobs/:id", h.GetJob)
	authed.Get("/jobs/:id/progress", h.GetJobProgress)
	authed.Post("/jobs/:id/cancel", h.CancelJob)
	authed.Post("/jobs/:id/actions", h.JobAction)
	authed.Get("/jobs/:id/scenes", h.ListJobScenes)
	authed.Get("/jobs/:id/logs", h.ListJobLogs)

	authed.Get("/usage", h.GetUsage)

	admin := authed.Group("/admin", middleware.RequireAdmin())
	admin.Post("/tenants", h.CreateTenant)
	admin.Get("/tenants", h.ListTenants)
	admin.Get("/tenants/:id", h.GetTenant)
	admin.Patch("/tenants/:id", h.UpdateTenant)
	admin.Delete("/tenants/:id", h.DeleteTenant)
	admin.Get("/tenants/:id/usage", h.GetTenantUsage)
	admin.Post("/tenants/:id/users", h.CreateTenantUser)
	admin.Get("/outbox", h.ListOutbox)
	admin.Post("/outbox/:id/requeue", h.RequeueOutbox)
}

// isUploadRoute lets POST /uploads through the body limit so an oversized file
// gets the resumable upload hint instead of 413.
func isUploadRoute(c *fiber.Ctx) bool {
	return c.Method() == fiber.MethodPost && c.Path() == "/api/v1/uploads"
}

// ErrorHandler writes the error envelope for errors that escape a handler,
// including fiber's own (404 for unknown routes, 413 for oversized bodies).
func (h *ApplicationHandler) ErrorHandler(c *fiber.Ctx, err error) error {
	return h.fail(c, err, "Request")
}
