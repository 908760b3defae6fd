package schema

import (
	"encoding/base64"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/docpipe/docpipe/services"
	schemasvc "github.com/docpipe/docpipe/services/schema"
	"github.com/docpipe/docpipe/utils/response"
	"github.com/docpipe/docpipe/utils/validation"
)

// Handler serves the schema registry over HTTP
type Handler struct {
	svc       *services.Services
	validator *validation.Validator
}

func NewHandler(svc *services.Services) *Handler {
	return &Handler{
		svc:       svc,
		validator: validation.NewValidator(),
	}
}

// DetectRequest is the body of POST /schemas/detect
type DetectRequest struct {
	SampleImageBase64 string `json:"sample_image_base64" validate:"required"`
	Description       string `json:"description"`
}

// List handles GET /schemas/
func (h *Handler) List(c *fiber.Ctx) error {
	return response.Success(c, h.svc.Schemas.List())
}

// Get handles GET /schemas/:name
func (h *Handler) Get(c *fiber.Ctx) error {
	name := c.Params("name")
	s, err := h.svc.Schemas.Get(name)
	if err != nil {
		if errors.Is(err, schemasvc.ErrSchemaNotFound) {
			return response.NotFound(c, "Schema not found")
		}
		return response.InternalServerError(c, err.Error())
	}
	return response.Success(c, s)
}

// Detect handles POST /schemas/detect. Takes one sample page image and
// returns the schema the document most likely matches.
func (h *Handler) Detect(c *fiber.Ctx) error {
	var req DetectRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	pageImage, err := base64.StdEncoding.DecodeString(req.SampleImageBase64)
	if err != nil {
		return response.BadRequest(c, "sample_image_base64 is not valid base64")
	}

	resolved, detection, err := h.svc.Schemas.Detect(c.Context(), pageImage, req.Description)
	if err != nil {
		return response.InternalServerError(c, err.Error())
	}

	return response.Success(c, fiber.Map{
		"schema":           resolved.Name,
		"detected":         detection.SchemaName,
		"confidence":       detection.Confidence,
		"suggested_fields": detection.SuggestedFields,
	})
}
