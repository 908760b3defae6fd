package document

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/docpipe/docpipe/model"
	"github.com/docpipe/docpipe/services"
	schemasvc "github.com/docpipe/docpipe/services/schema"
	"github.com/docpipe/docpipe/utils/response"
	"github.com/docpipe/docpipe/utils/validation"
)

// Handler exposes the document lifecycle over HTTP
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

// ProcessRequest is the body of POST /documents/process/:id
type ProcessRequest struct {
	Schema       string `json:"schema"`
	TemplateMode bool   `json:"template_mode"`
}

// BatchProcessRequest is the body of POST /documents/batch/process
type BatchProcessRequest struct {
	DocumentIDs []uint `json:"document_ids" validate:"required,min=1"`
	Schema      string `json:"schema"`
}

// Upload handles POST /documents/upload
func (h *Handler) Upload(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return response.BadRequest(c, "Missing file field")
	}

	// Reject before buffering when the declared size is already over
	if fileHeader.Size > h.svc.Env.MAX_UPLOAD_BYTES {
		return response.PayloadTooLarge(c, fmt.Sprintf("File exceeds the maximum upload size of %d bytes", h.svc.Env.MAX_UPLOAD_BYTES))
	}

	file, err := fileHeader.Open()
	if err != nil {
		return response.BadRequest(c, "Unable to read uploaded file")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return response.InternalServerError(c, "Failed to read uploaded file")
	}

	doc, err := h.svc.Documents.Upload(c.Context(), fileHeader.Filename, content)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUploadTooLarge):
			return response.PayloadTooLarge(c, err.Error())
		case errors.Is(err, services.ErrInvalidFile):
			return response.BadRequest(c, err.Error())
		default:
			return response.InternalServerError(c, err.Error())
		}
	}

	return response.Created(c, doc)
}

// Process handles POST /documents/process/:id
func (h *Handler) Process(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return response.BadRequest(c, "Invalid document ID")
	}

	var req ProcessRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.BadRequest(c, "Invalid request body")
		}
	}

	doc, err := h.svc.Documents.StartProcessing(c.Context(), id, model.ProcessOptions{
		Schema:       req.Schema,
		TemplateMode: req.TemplateMode,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			return response.NotFound(c, "Document not found")
		case errors.Is(err, schemasvc.ErrSchemaNotFound):
			return response.ValidationError(c, err)
		default:
			return response.InternalServerError(c, err.Error())
		}
	}

	return response.Accepted(c, fiber.Map{
		"document_id": doc.ID,
		"job_id":      doc.JobID,
		"status":      doc.Status,
	})
}

// BatchProcess handles POST /documents/batch/process
func (h *Handler) BatchProcess(c *fiber.Ctx) error {
	var req BatchProcessRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	batchID, enqueued, err := h.svc.Documents.BatchProcess(c.Context(), req.DocumentIDs, model.ProcessOptions{
		Schema: req.Schema,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			return response.NotFound(c, "No documents found for the given ids")
		case errors.Is(err, schemasvc.ErrSchemaNotFound):
			return response.ValidationError(c, err)
		default:
			return response.InternalServerError(c, err.Error())
		}
	}

	return response.Accepted(c, fiber.Map{
		"job_id":       batchID,
		"document_ids": enqueued,
	})
}

// Status handles GET /documents/:id/status
func (h *Handler) Status(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return response.BadRequest(c, "Invalid document ID")
	}

	snap, err := h.svc.Documents.Status(c.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return response.NotFound(c, "Document not found")
		}
		return response.InternalServerError(c, err.Error())
	}
	return response.Success(c, snap)
}

// Pagination bounds for GET /documents/
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// clampListRange bounds skip to >= 0 and limit to [1, maxListLimit],
// substituting the default when limit is absent or non-positive
func clampListRange(skip, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return skip, limit
}

// List handles GET /documents/
func (h *Handler) List(c *fiber.Ctx) error {
	skip, limit := clampListRange(c.QueryInt("skip", 0), c.QueryInt("limit", defaultListLimit))

	status := model.ProcessingStatus(c.Query("status"))
	switch status {
	case "", model.StatusPending, model.StatusProcessing, model.StatusCompleted, model.StatusFailed:
	default:
		return response.BadRequest(c, "Invalid status filter")
	}

	docs, total, err := h.svc.Documents.List(c.Context(), status, skip, limit)
	if err != nil {
		return response.InternalServerError(c, err.Error())
	}
	return response.List(c, docs, skip, limit, total)
}

// GetByJob handles GET /documents/jobs/:job_id
func (h *Handler) GetByJob(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	if jobID == "" {
		return response.BadRequest(c, "Missing job ID")
	}

	docs, err := h.svc.Documents.GetByBatchID(c.Context(), jobID)
	if err != nil {
		return response.InternalServerError(c, err.Error())
	}
	if len(docs) == 0 {
		return response.NotFound(c, "No documents for this job")
	}
	return response.Success(c, docs)
}

// Delete handles DELETE /documents/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return response.BadRequest(c, "Invalid document ID")
	}

	if err := h.svc.Documents.Delete(c.Context(), id); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return response.NotFound(c, "Document not found")
		}
		return response.InternalServerError(c, err.Error())
	}
	return response.NoContent(c)
}

// DownloadExcel handles GET /documents/:id/download/excel
func (h *Handler) DownloadExcel(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return response.BadRequest(c, "Invalid document ID")
	}
	includeMetadata := c.Query("include_metadata", "true") != "false"

	data, filename, err := h.svc.Documents.ExportSingle(c.Context(), id, includeMetadata)
	if err != nil {
		return h.exportError(c, err)
	}
	return sendWorkbook(c, data, filename)
}

// DownloadBatchExcel handles GET /documents/batch/download/excel
func (h *Handler) DownloadBatchExcel(c *fiber.Ctx) error {
	ids, err := parseDocumentIDs(c.Query("document_ids"))
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	data, filename, err := h.svc.Documents.ExportBatch(c.Context(), ids)
	if err != nil {
		return h.exportError(c, err)
	}
	return sendWorkbook(c, data, filename)
}

// DownloadTemplateExcel handles GET /documents/template/download/excel
func (h *Handler) DownloadTemplateExcel(c *fiber.Ctx) error {
	ids, err := parseDocumentIDs(c.Query("document_ids"))
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	data, filename, err := h.svc.Documents.ExportTemplate(c.Context(), ids)
	if err != nil {
		return h.exportError(c, err)
	}
	return sendWorkbook(c, data, filename)
}

func (h *Handler) exportError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return response.NotFound(c, "Document not found")
	case errors.Is(err, services.ErrNotCompleted):
		return response.Conflict(c, err.Error())
	default:
		return response.InternalServerError(c, err.Error())
	}
}

func sendWorkbook(c *fiber.Ctx, data []byte, filename string) error {
	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	return c.Send(data)
}

func parseID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

// parseDocumentIDs accepts "1,2,3"
func parseDocumentIDs(raw string) ([]uint, error) {
	if raw == "" {
		return nil, fmt.Errorf("document_ids query parameter is required")
	}

	parts := strings.Split(raw, ",")
	ids := make([]uint, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid document id %q", part)
		}
		ids = append(ids, uint(id))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("document_ids query parameter is required")
	}
	return ids, nil
}
