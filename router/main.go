package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/docpipe/docpipe/handlers"
	document_handlers "github.com/docpipe/docpipe/handlers/document"
	schema_handlers "github.com/docpipe/docpipe/handlers/schema"
	"github.com/docpipe/docpipe/services"
)

func SetupRoutes(app *fiber.App, svc *services.Services) {
	documentHandler := document_handlers.NewHandler(svc)
	schemaHandler := schema_handlers.NewHandler(svc)

	// Health check endpoints (public)
	healthHandler := func(c *fiber.Ctx) error {
		return handlers.HandleCheckHealth(c, svc)
	}
	app.Get("/ping", healthHandler)
	app.Get("/health", healthHandler)

	// API v1 group
	api := app.Group("/api/v1")

	// Documents routes. Fixed paths are registered before the :id routes so
	// "batch" and "jobs" never parse as a document id.
	documents := api.Group("/documents")
	documents.Post("/upload", documentHandler.Upload)
	documents.Get("/", documentHandler.List)
	documents.Post("/batch/process", documentHandler.BatchProcess)
	documents.Get("/batch/download/excel", documentHandler.DownloadBatchExcel)
	documents.Get("/template/download/excel", documentHandler.DownloadTemplateExcel)
	documents.Get("/jobs/:job_id", documentHandler.GetByJob)
	documents.Post("/process/:id", documentHandler.Process)
	documents.Get("/:id/status", documentHandler.Status)
	documents.Get("/:id/stream", documentHandler.Stream)
	documents.Get("/:id/download/excel", documentHandler.DownloadExcel)
	documents.Delete("/:id", documentHandler.Delete)

	// Schema registry routes
	schemas := api.Group("/schemas")
	schemas.Get("/", schemaHandler.List)
	schemas.Post("/detect", schemaHandler.Detect)
	schemas.Get("/:name", schemaHandler.Get)
}
