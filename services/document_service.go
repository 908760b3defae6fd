package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/docpipe/docpipe/database"
	"github.com/docpipe/docpipe/model"
	"github.com/docpipe/docpipe/services/blob"
	"github.com/docpipe/docpipe/services/excel"
	"github.com/docpipe/docpipe/services/progress"
	"github.com/docpipe/docpipe/services/queue"
	"github.com/docpipe/docpipe/services/schema"
	"github.com/docpipe/docpipe/utils/pdfvalidation"
	"github.com/google/uuid"
)

var (
	// ErrUploadTooLarge is returned when an upload exceeds the byte ceiling
	ErrUploadTooLarge = errors.New("upload exceeds the maximum allowed size")

	// ErrInvalidFile is returned when the upload is not a readable PDF
	ErrInvalidFile = errors.New("invalid file")

	// ErrNotCompleted is returned when an export is requested for a document
	// that has no results yet
	ErrNotCompleted = errors.New("document has not completed processing")

	// ErrNotFound mirrors the store's not-found for handler convenience
	ErrNotFound = database.ErrDocumentNotFound
)

// DocumentStore is the persistence surface the controller needs
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, id uint) (*model.Document, error)
	GetDocumentByHash(ctx context.Context, hash string) (*model.Document, error)
	GetDocumentsByIDs(ctx context.Context, ids []uint) ([]model.Document, error)
	GetDocumentsByJobID(ctx context.Context, jobID string) ([]model.Document, error)
	ListDocuments(ctx context.Context, status model.ProcessingStatus, skip, limit int) ([]model.Document, int64, error)
	ResetForReprocessing(ctx context.Context, id uint) error
	DeleteDocument(ctx context.Context, id uint) error
	MarkExcelExported(ctx context.Context, ids []uint) error
	CountByStatus(ctx context.Context) (map[model.ProcessingStatus]int64, error)
	SetJobID(ctx context.Context, id uint, jobID string) error
}

// DocumentService is the controller behind the HTTP surface: it owns
// uploads, processing kickoff, status reads, deletion and exports
type DocumentService struct {
	store    DocumentStore
	blobs    blob.Store
	queue    queue.JobQueue
	tracker  *progress.Tracker
	schemas  *schema.Registry
	exporter *excel.Exporter

	maxUploadBytes int64
	maxPages       int
}

// DocumentServiceConfig wires the controller
type DocumentServiceConfig struct {
	Store          DocumentStore
	Blobs          blob.Store
	Queue          queue.JobQueue
	Tracker        *progress.Tracker
	Schemas        *schema.Registry
	Exporter       *excel.Exporter
	MaxUploadBytes int64
	MaxPages       int
}

func NewDocumentService(cfg DocumentServiceConfig) *DocumentService {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 * 1024 * 1024
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 100
	}
	return &DocumentService{
		store:          cfg.Store,
		blobs:          cfg.Blobs,
		queue:          cfg.Queue,
		tracker:        cfg.Tracker,
		schemas:        cfg.Schemas,
		exporter:       cfg.Exporter,
		maxUploadBytes: cfg.MaxUploadBytes,
		maxPages:       cfg.MaxPages,
	}
}

// Upload validates and stores a PDF. Uploading bytes that already exist
// returns the existing document instead of creating a duplicate.
func (s *DocumentService) Upload(ctx context.Context, originalFilename string, content []byte) (*model.Document, error) {
	if int64(len(content)) > s.maxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrUploadTooLarge, len(content), s.maxUploadBytes)
	}

	result, err := pdfvalidation.ValidatePDFBytes(content, pdfvalidation.PDFLimits{
		MaxBytes: s.maxUploadBytes,
		MaxPages: 0, // page ceiling is enforced by the pipeline, not upload
	})
	if err != nil {
		return nil, fmt.Errorf("failed to validate upload: %w", err)
	}
	if !result.Valid {
		if result.Oversized {
			return nil, fmt.Errorf("%w: %s", ErrUploadTooLarge, result.Error)
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidFile, result.Error)
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	// Deduplicate on content hash
	if existing, err := s.store.GetDocumentByHash(ctx, hash); err == nil {
		log.Printf("[documents] duplicate upload of %s matches document %d", originalFilename, existing.ID)
		return existing, nil
	} else if !errors.Is(err, database.ErrDocumentNotFound) {
		return nil, err
	}

	key := blob.KeyForHash(hash)
	if err := s.blobs.Put(ctx, key, content); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	doc := &model.Document{
		Filename:         storedFilename(originalFilename, hash),
		OriginalFilename: originalFilename,
		FileSize:         int64(len(content)),
		ContentHash:      hash,
		BlobKey:          key,
		Status:           model.StatusPending,
		PageCount:        result.PageCount,
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		// A concurrent upload of the same bytes may have won the unique
		// index race; return that row
		if existing, lookupErr := s.store.GetDocumentByHash(ctx, hash); lookupErr == nil {
			return existing, nil
		}
		return nil, err
	}

	log.Printf("[documents] uploaded %s as document %d (%d bytes, %d pages)",
		originalFilename, doc.ID, doc.FileSize, result.PageCount)
	return doc, nil
}

// StartProcessing enqueues a processing job for the document. Calling it on
// a document already queued or processing is a no-op returning the current
// state. Terminal documents are reset and reprocessed from scratch.
func (s *DocumentService) StartProcessing(ctx context.Context, id uint, opts model.ProcessOptions) (*model.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	if opts.Schema != "" {
		if _, err := s.schemas.Get(opts.Schema); err != nil {
			return nil, err
		}
	}

	switch doc.Status {
	case model.StatusProcessing:
		return doc, nil
	case model.StatusPending:
		if doc.JobID != "" {
			// Already enqueued, do not duplicate work
			return doc, nil
		}
	case model.StatusCompleted, model.StatusFailed:
		if err := s.store.ResetForReprocessing(ctx, id); err != nil {
			return nil, err
		}
		doc, err = s.store.GetDocument(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	jobID := uuid.New().String()
	job := model.Job{
		JobID:      jobID,
		DocumentID: id,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
		Options:    opts,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue document %d: %w", id, err)
	}
	if err := s.store.SetJobID(ctx, id, jobID); err != nil {
		log.Printf("[documents] failed to record job id for document %d: %v", id, err)
	}
	doc.JobID = jobID

	s.publishSnapshot(ctx, doc)
	log.Printf("[documents] enqueued document %d as job %s", id, jobID)
	return doc, nil
}

// BatchProcess enqueues many documents under one batch job id and returns it
func (s *DocumentService) BatchProcess(ctx context.Context, ids []uint, opts model.ProcessOptions) (string, []uint, error) {
	batchID := uuid.New().String()
	enqueued := make([]uint, 0, len(ids))

	for _, id := range ids {
		doc, err := s.StartProcessing(ctx, id, opts)
		if err != nil {
			if errors.Is(err, database.ErrDocumentNotFound) {
				continue
			}
			return "", enqueued, err
		}
		if err := s.store.SetJobID(ctx, doc.ID, batchID); err != nil {
			log.Printf("[documents] failed to tag document %d with batch %s: %v", doc.ID, batchID, err)
		}
		enqueued = append(enqueued, doc.ID)
	}

	if len(enqueued) == 0 {
		return "", nil, database.ErrDocumentNotFound
	}
	return batchID, enqueued, nil
}

// Get returns one document
func (s *DocumentService) Get(ctx context.Context, id uint) (*model.Document, error) {
	return s.store.GetDocument(ctx, id)
}

// List returns a page of documents
func (s *DocumentService) List(ctx context.Context, status model.ProcessingStatus, skip, limit int) ([]model.Document, int64, error) {
	return s.store.ListDocuments(ctx, status, skip, limit)
}

// GetByBatchID returns the documents enqueued under a batch job id
func (s *DocumentService) GetByBatchID(ctx context.Context, jobID string) ([]model.Document, error) {
	return s.store.GetDocumentsByJobID(ctx, jobID)
}

// Status builds the status snapshot from the document row, which is the
// source of truth
func (s *DocumentService) Status(ctx context.Context, id uint) (*model.StatusSnapshot, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := snapshotFromDocument(doc)
	return &snap, nil
}

// Delete cancels any in-flight processing via the tombstone, then removes
// the row and the blob. A worker mid-document observes the tombstone at its
// next stage boundary and abandons the job.
func (s *DocumentService) Delete(ctx context.Context, id uint) error {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return err
	}

	if err := s.tracker.Cancel(ctx, id); err != nil {
		log.Printf("[documents] failed to set cancel tombstone for document %d: %v", id, err)
	}
	if err := s.tracker.Discard(ctx, id); err != nil {
		log.Printf("[documents] failed to discard stream state for document %d: %v", id, err)
	}

	if err := s.store.DeleteDocument(ctx, id); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, doc.BlobKey); err != nil {
		log.Printf("[documents] failed to delete blob %s: %v", doc.BlobKey, err)
	}

	log.Printf("[documents] deleted document %d", id)
	return nil
}

// ExportSingle renders one completed document's workbook
func (s *DocumentService) ExportSingle(ctx context.Context, id uint, includeMetadata bool) ([]byte, string, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if doc.Status != model.StatusCompleted {
		return nil, "", fmt.Errorf("%w: document %d is %s", ErrNotCompleted, id, doc.Status)
	}

	data, err := s.exporter.ExportSingle(doc, includeMetadata)
	if err != nil {
		return nil, "", err
	}

	if err := s.store.MarkExcelExported(ctx, []uint{id}); err != nil {
		log.Printf("[documents] failed to stamp export time for document %d: %v", id, err)
	}
	return data, workbookFilename(doc.OriginalFilename), nil
}

// ExportBatch renders a workbook over several completed documents
func (s *DocumentService) ExportBatch(ctx context.Context, ids []uint) ([]byte, string, error) {
	docs, err := s.completedDocuments(ctx, ids)
	if err != nil {
		return nil, "", err
	}

	data, err := s.exporter.ExportBatch(docs)
	if err != nil {
		return nil, "", err
	}

	s.stampExports(ctx, docs)
	return data, workbookFilename("batch"), nil
}

// ExportTemplate renders the template-mode workbook over completed documents
func (s *DocumentService) ExportTemplate(ctx context.Context, ids []uint) ([]byte, string, error) {
	docs, err := s.completedDocuments(ctx, ids)
	if err != nil {
		return nil, "", err
	}

	data, err := s.exporter.ExportTemplate(docs)
	if err != nil {
		return nil, "", err
	}

	s.stampExports(ctx, docs)
	return data, workbookFilename("template"), nil
}

// Metrics reports queue depth and per-status document counts for health
func (s *DocumentService) Metrics(ctx context.Context) (map[string]interface{}, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	depth, err := s.queue.Len(ctx)
	if err != nil {
		return nil, err
	}

	total := int64(0)
	for _, c := range counts {
		total += c
	}
	return map[string]interface{}{
		"total_documents": total,
		"pending":         counts[model.StatusPending],
		"processing":      counts[model.StatusProcessing],
		"completed":       counts[model.StatusCompleted],
		"failed":          counts[model.StatusFailed],
		"queue_depth":     depth,
	}, nil
}

// completedDocuments resolves ids to completed documents, preserving the
// requested order
func (s *DocumentService) completedDocuments(ctx context.Context, ids []uint) ([]*model.Document, error) {
	docs, err := s.store.GetDocumentsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[uint]*model.Document, len(docs))
	for i := range docs {
		byID[docs[i].ID] = &docs[i]
	}

	ordered := make([]*model.Document, 0, len(ids))
	for _, id := range ids {
		doc, ok := byID[id]
		if !ok || doc.Status != model.StatusCompleted {
			continue
		}
		ordered = append(ordered, doc)
	}
	if len(ordered) == 0 {
		return nil, fmt.Errorf("%w: no completed documents in request", ErrNotCompleted)
	}
	return ordered, nil
}

func (s *DocumentService) stampExports(ctx context.Context, docs []*model.Document) {
	ids := make([]uint, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	if err := s.store.MarkExcelExported(ctx, ids); err != nil {
		log.Printf("[documents] failed to stamp export time: %v", err)
	}
}

func (s *DocumentService) publishSnapshot(ctx context.Context, doc *model.Document) {
	if err := s.tracker.Publish(ctx, snapshotFromDocument(doc)); err != nil {
		log.Printf("[documents] failed to publish snapshot for document %d: %v", doc.ID, err)
	}
}

// snapshotFromDocument converts the persisted row to the wire shape
func snapshotFromDocument(doc *model.Document) model.StatusSnapshot {
	snap := model.StatusSnapshot{
		DocumentID:     doc.ID,
		Status:         doc.Status,
		Progress:       doc.Progress,
		PageCount:      doc.PageCount,
		ErrorMessage:   doc.ErrorMessage,
		ProcessingTime: doc.ProcessingTime,
	}
	if len(doc.ExtractedData) > 0 {
		_ = json.Unmarshal(doc.ExtractedData, &snap.ExtractedData)
	}
	if len(doc.ConfidenceScores) > 0 {
		_ = json.Unmarshal(doc.ConfidenceScores, &snap.ConfidenceScores)
	}
	return snap
}

// storedFilename is the sanitized internal name; the original name is kept
// separately for display
func storedFilename(original, hash string) string {
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "" {
		ext = ".pdf"
	}
	return hash[:12] + ext
}

// workbookFilename builds a timestamped download name
func workbookFilename(base string) string {
	base = strings.TrimSuffix(filepath.Base(base), filepath.Ext(base))
	if base == "" {
		base = "export"
	}
	return fmt.Sprintf("%s_%s.xlsx", base, time.Now().UTC().Format("20060102_150405"))
}
