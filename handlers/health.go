package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/docpipe/docpipe/services"
	"github.com/docpipe/docpipe/utils/response"
)

// HandleCheckHealth reports service liveness plus basic pipeline counters
func HandleCheckHealth(c *fiber.Ctx, svc *services.Services) error {
	status := "healthy"
	if err := svc.Store.HealthCheck(c.Context()); err != nil {
		status = "degraded"
	}

	metrics, err := svc.Documents.Metrics(c.Context())
	if err != nil {
		metrics = map[string]interface{}{}
		status = "degraded"
	}

	return response.Success(c, fiber.Map{
		"status":  status,
		"metrics": metrics,
	})
}
