package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/docpipe/docpipe/model"
	"github.com/docpipe/docpipe/services/progress"
	"github.com/docpipe/docpipe/services/queue"
	"github.com/docpipe/docpipe/services/raster"
	"github.com/docpipe/docpipe/services/vision"
)

const (
	// MaxPerPageRetries bounds vision retries for one page before OCR takes
	// over
	MaxPerPageRetries = 2

	// HeartbeatInterval drives lease extension and worker liveness stamps
	HeartbeatInterval = 30 * time.Second

	retryBackoffBase = 1 * time.Second
	retryBackoffCap  = 30 * time.Second
)

// Terminal failure reasons stored in Document.ErrorMessage
const (
	ErrDocumentTooLarge         = "DocumentTooLarge"
	ErrUnreadable               = "Unreadable"
	ErrAllPagesFailedExtraction = "AllPagesFailedExtraction"
	ErrTimeout                  = "Timeout"
	ErrCancelled                = "Cancelled"
)

// Progress milestones per stage. Extraction interpolates between its bounds
// proportionally to pages done.
const (
	progressLoaded     = 0.05
	progressRasterized = 0.10
	progressSchema     = 0.15
	progressExtractEnd = 0.85
	progressMerged     = 0.90
)

// Result tells the worker how to settle the job
type Result int

const (
	// ResultCompleted means the document reached Completed; ack the job
	ResultCompleted Result = iota
	// ResultSkipped means another worker owns the document; ack the job
	ResultSkipped
	// ResultCancelled means the tombstone was observed; ack the job
	ResultCancelled
	// ResultFailed means a terminal failure was recorded; ack the job
	ResultFailed
	// ResultRetry means a transient failure; nack the job for redelivery
	ResultRetry
)

// Store is the document persistence the engine depends on. All writes during
// Processing are conditional on (id, attempt_number) so a stale worker cannot
// clobber a newer attempt.
type Store interface {
	GetDocument(ctx context.Context, id uint) (*model.Document, error)
	ClaimDocument(ctx context.Context, id uint, worker, jobID string, attempt int) (bool, error)
	Heartbeat(ctx context.Context, id uint, worker string) error
	SetProgress(ctx context.Context, id uint, attempt int, progress float64, pageCount int) error
	CompleteDocument(ctx context.Context, id uint, attempt int, updates map[string]interface{}) error
	FailDocument(ctx context.Context, id uint, attempt int, errMsg string) error
	ReleaseDocument(ctx context.Context, id uint, attempt int) error
}

// BlobStore is the subset of blob storage the engine reads from
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// SchemaResolver resolves the extraction schema for a document
type SchemaResolver interface {
	Get(name string) (model.Schema, error)
	Detect(ctx context.Context, pageImage []byte, hint string) (model.Schema, *model.SchemaDetection, error)
}

// Engine advances one document through the processing stages
type Engine struct {
	store     Store
	blobs     BlobStore
	raster    raster.Rasterizer
	prep      raster.Preprocessor
	vision    vision.Extractor
	ocr       OcrFallback
	schemas   SchemaResolver
	tracker   *progress.Tracker
	maxPages  int
	modelName string
	workerID  string
	keepAlive time.Duration
}

// OcrFallback recognizes one page image as raw text
type OcrFallback interface {
	RecognizePage(ctx context.Context, pageImage []byte) (string, error)
}

// Config wires the engine's dependencies
type Config struct {
	Store      Store
	Blobs      BlobStore
	Rasterizer raster.Rasterizer
	Prep       raster.Preprocessor
	Vision     vision.Extractor
	OCR        OcrFallback
	Schemas    SchemaResolver
	Tracker    *progress.Tracker
	MaxPages   int
	ModelName  string
	WorkerID   string
	// KeepAlive paces the background liveness stamps; defaults to
	// HeartbeatInterval
	KeepAlive time.Duration
}

func NewEngine(cfg Config) *Engine {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 100
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = HeartbeatInterval
	}
	return &Engine{
		store:     cfg.Store,
		blobs:     cfg.Blobs,
		raster:    cfg.Rasterizer,
		prep:      cfg.Prep,
		vision:    cfg.Vision,
		ocr:       cfg.OCR,
		schemas:   cfg.Schemas,
		tracker:   cfg.Tracker,
		maxPages:  cfg.MaxPages,
		modelName: cfg.ModelName,
		workerID:  cfg.WorkerID,
		keepAlive: cfg.KeepAlive,
	}
}

// Process runs the full pipeline for one claimed job. The queue lease is
// extended as stages complete so slow documents stay invisible to other
// workers.
func (e *Engine) Process(ctx context.Context, job model.Job, lease *queue.Lease, q queue.JobQueue) (Result, error) {
	startedAt := time.Now()
	docID := job.DocumentID

	// Stage 1: Load. The conditional claim is the idempotence guard for
	// at-least-once delivery.
	claimed, err := e.store.ClaimDocument(ctx, docID, e.workerID, job.JobID, job.Attempt)
	if err != nil {
		return ResultRetry, fmt.Errorf("failed to claim document %d: %w", docID, err)
	}
	if !claimed {
		log.Printf("[pipeline] document %d not claimable (already owned or advanced), skipping", docID)
		return ResultSkipped, nil
	}

	// A single page can outlast the lease and the stale-heartbeat window
	// (vision retries block for minutes), so liveness runs on its own clock
	// for the rest of the attempt.
	stopKeepAlive := e.startKeepAlive(ctx, docID, lease, q)
	defer stopKeepAlive()

	doc, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return e.fail(ctx, docID, job.Attempt, ErrUnreadable, fmt.Errorf("failed to load document %d: %w", docID, err))
	}

	pdfBytes, err := e.blobs.Get(ctx, doc.BlobKey)
	if err != nil {
		return e.fail(ctx, docID, job.Attempt, ErrUnreadable, fmt.Errorf("failed to load blob for document %d: %w", docID, err))
	}

	if res, err := e.checkpoint(ctx, doc, job, lease, q, progressLoaded); res != ResultCompleted {
		return res, err
	}

	// Stage 2: Rasterize
	pageCount, err := e.raster.PageCount(ctx, pdfBytes)
	if err != nil {
		return e.fail(ctx, docID, job.Attempt, ErrUnreadable, fmt.Errorf("failed to read PDF for document %d: %w", docID, err))
	}
	if pageCount > e.maxPages {
		return e.fail(ctx, docID, job.Attempt, ErrDocumentTooLarge,
			fmt.Errorf("document %d has %d pages, max is %d", docID, pageCount, e.maxPages))
	}
	if pageCount == 0 {
		return e.fail(ctx, docID, job.Attempt, ErrUnreadable, fmt.Errorf("document %d has no pages", docID))
	}
	doc.PageCount = pageCount

	if res, err := e.checkpoint(ctx, doc, job, lease, q, progressRasterized); res != ResultCompleted {
		return res, err
	}

	// Stage 3 runs per page inside the extraction loop; the first page is
	// enhanced eagerly because schema detection needs it.
	warnings := []string{}
	firstPage, warn, err := e.renderEnhanced(ctx, pdfBytes, 0)
	if err != nil {
		return e.fail(ctx, docID, job.Attempt, ErrUnreadable, fmt.Errorf("failed to render page 1 of document %d: %w", docID, err))
	}
	if warn != "" {
		warnings = append(warnings, warn)
	}

	// Stage 4: Resolve schema
	extractionSchema, detection, err := e.resolveSchema(ctx, job.Options.Schema, firstPage)
	if err != nil {
		if vision.IsRetryable(err) {
			e.release(ctx, docID, job.Attempt)
			return ResultRetry, fmt.Errorf("schema detection for document %d: %w", docID, err)
		}
		return e.fail(ctx, docID, job.Attempt, ErrUnreadable, fmt.Errorf("schema resolution for document %d: %w", docID, err))
	}
	doc.SchemaUsed = extractionSchema.Name
	if detection != nil {
		log.Printf("[pipeline] document %d detected as %q (confidence %.2f), using schema %q",
			docID, detection.SchemaName, detection.Confidence, extractionSchema.Name)
	}

	if res, err := e.checkpoint(ctx, doc, job, lease, q, progressSchema); res != ResultCompleted {
		return res, err
	}

	// Stage 5: Extract, page by page
	pages := make([]PageResult, pageCount)
	for i := 0; i < pageCount; i++ {
		var pageImage []byte
		if i == 0 {
			pageImage = firstPage
		} else {
			var warn string
			pageImage, warn, err = e.renderEnhanced(ctx, pdfBytes, i)
			if err != nil {
				pages[i] = PageResult{Page: i, Method: model.PageStatusError, Err: err}
				warnings = append(warnings, fmt.Sprintf("page %d: render failed: %v", i+1, err))
				continue
			}
			if warn != "" {
				warnings = append(warnings, warn)
			}
		}

		pages[i] = e.extractPage(ctx, pageImage, extractionSchema, i)
		if pages[i].Err != nil {
			warnings = append(warnings, fmt.Sprintf("page %d: %v", i+1, pages[i].Err))
		}

		frac := progressSchema + (progressExtractEnd-progressSchema)*float64(i+1)/float64(pageCount)
		if res, err := e.checkpoint(ctx, doc, job, lease, q, frac); res != ResultCompleted {
			return res, err
		}
	}

	allFailed := true
	for _, p := range pages {
		if p.Err == nil {
			allFailed = false
			break
		}
	}
	if allFailed {
		return e.fail(ctx, docID, job.Attempt, ErrAllPagesFailedExtraction,
			fmt.Errorf("all %d pages of document %d failed extraction", pageCount, docID))
	}

	// Stage 6: Merge
	merged := MergePages(pages, extractionSchema)

	if res, err := e.checkpoint(ctx, doc, job, lease, q, progressMerged); res != ResultCompleted {
		return res, err
	}

	// Stage 7: Persist results
	duration := time.Since(startedAt).Seconds()
	meta := model.ProcessingMetadata{
		DurationSeconds: duration,
		Model:           e.modelName,
		Worker:          e.workerID,
		PageStatuses:    pageStatuses(pages),
		Warnings:        warnings,
		StartedAt:       startedAt.UTC().Format(time.RFC3339),
		CompletedAt:     time.Now().UTC().Format(time.RFC3339),
	}

	extractedJSON, err := json.Marshal(valuesToAny(merged.Fields))
	if err != nil {
		return e.fail(ctx, docID, job.Attempt, ErrUnreadable, fmt.Errorf("failed to encode results for document %d: %w", docID, err))
	}
	confJSON, _ := json.Marshal(merged.Confidence)
	metaJSON, _ := json.Marshal(meta)

	updates := map[string]interface{}{
		"extracted_data":    datatypes.JSON(extractedJSON),
		"confidence_scores": datatypes.JSON(confJSON),
		"processing_meta":   datatypes.JSON(metaJSON),
		"schema_used":       extractionSchema.Name,
		"page_count":        pageCount,
		"processing_time":   duration,
	}
	if err := e.store.CompleteDocument(ctx, docID, job.Attempt, updates); err != nil {
		e.release(ctx, docID, job.Attempt)
		return ResultRetry, fmt.Errorf("failed to persist results for document %d: %w", docID, err)
	}

	e.publish(ctx, model.StatusSnapshot{
		DocumentID:       docID,
		Status:           model.StatusCompleted,
		Progress:         1.0,
		PageCount:        pageCount,
		ExtractedData:    valuesToAny(merged.Fields),
		ConfidenceScores: merged.Confidence,
		ProcessingTime:   duration,
	})

	log.Printf("[pipeline] document %d completed in %.1fs (%d pages, schema %q)",
		docID, duration, pageCount, extractionSchema.Name)
	return ResultCompleted, nil
}

// startKeepAlive stamps the worker heartbeat and extends the queue lease on
// a fixed cadence until stopped, keeping the janitor and the lease sweeper
// away from a document whose current page is slow. The returned stop
// function is idempotent.
func (e *Engine) startKeepAlive(ctx context.Context, docID uint, lease *queue.Lease, q queue.JobQueue) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(e.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.store.Heartbeat(ctx, docID, e.workerID); err != nil {
					log.Printf("[pipeline] heartbeat failed for document %d: %v", docID, err)
				}
				if lease != nil && q != nil {
					if err := q.ExtendLease(ctx, lease.Token, 4*HeartbeatInterval); err != nil {
						log.Printf("[pipeline] failed to extend lease for document %d: %v", docID, err)
					}
				}
			}
		}
	}()
	return stop
}

// checkpoint runs the between-stage obligations: tombstone check, progress
// event, lease extension and worker heartbeat
func (e *Engine) checkpoint(ctx context.Context, doc *model.Document, job model.Job, lease *queue.Lease, q queue.JobQueue, frac float64) (Result, error) {
	if e.tracker.IsCancelled(ctx, doc.ID) {
		log.Printf("[pipeline] document %d cancelled, abandoning", doc.ID)
		return ResultCancelled, nil
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			res, ferr := e.fail(context.WithoutCancel(ctx), doc.ID, job.Attempt, ErrTimeout,
				fmt.Errorf("document %d exceeded the processing timeout", doc.ID))
			return res, ferr
		}
		return ResultCancelled, err
	}

	frac = roundProgress(frac)
	if err := e.store.SetProgress(ctx, doc.ID, job.Attempt, frac, doc.PageCount); err != nil {
		log.Printf("[pipeline] failed to persist progress for document %d: %v", doc.ID, err)
	}
	if err := e.store.Heartbeat(ctx, doc.ID, e.workerID); err != nil {
		log.Printf("[pipeline] heartbeat failed for document %d: %v", doc.ID, err)
	}

	e.publish(ctx, model.StatusSnapshot{
		DocumentID: doc.ID,
		Status:     model.StatusProcessing,
		Progress:   frac,
		PageCount:  doc.PageCount,
	})

	if lease != nil && q != nil && time.Until(lease.Deadline) < 2*HeartbeatInterval {
		if err := q.ExtendLease(ctx, lease.Token, 4*HeartbeatInterval); err != nil {
			log.Printf("[pipeline] failed to extend lease for document %d: %v", doc.ID, err)
		} else {
			lease.Deadline = time.Now().Add(4 * HeartbeatInterval)
		}
	}

	return ResultCompleted, nil
}

// extractPage tries vision with retries and falls back to OCR. A page that
// fails both is marked errored but does not fail the document by itself.
func (e *Engine) extractPage(ctx context.Context, pageImage []byte, extractionSchema model.Schema, page int) PageResult {
	var lastErr error
	for attempt := 0; attempt <= MaxPerPageRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			select {
			case <-ctx.Done():
				return PageResult{Page: page, Method: model.PageStatusError, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		extraction, err := e.vision.ExtractPage(ctx, pageImage, extractionSchema)
		if err == nil {
			return PageResult{Page: page, Method: model.PageStatusVision, Extraction: extraction}
		}
		lastErr = err
		log.Printf("[pipeline] vision extraction failed for page %d (attempt %d/%d): %v",
			page+1, attempt+1, MaxPerPageRetries+1, err)
	}

	// OCR fallback
	text, err := e.ocr.RecognizePage(ctx, pageImage)
	if err != nil {
		return PageResult{
			Page:   page,
			Method: model.PageStatusError,
			Err:    fmt.Errorf("vision failed (%v) and OCR fallback failed: %w", lastErr, err),
		}
	}

	return PageResult{
		Page:   page,
		Method: model.PageStatusOCRFallback,
		Extraction: &vision.PageExtraction{
			Fields: map[string]model.Value{
				"raw_text": {Kind: model.KindText, Text: text},
			},
			Confidence: map[string]float64{"raw_text": 0.5},
		},
	}
}

// renderEnhanced renders one page and runs it through the preprocessor.
// Enhancement failures are non-fatal; the raw render passes through with a
// warning.
func (e *Engine) renderEnhanced(ctx context.Context, pdfBytes []byte, page int) ([]byte, string, error) {
	img, err := e.raster.RenderPage(ctx, pdfBytes, page)
	if err != nil {
		return nil, "", err
	}

	enhanced, err := e.prep.Prepare(ctx, img)
	if err == nil {
		return enhanced, "", nil
	}

	var buf bytes.Buffer
	if encErr := png.Encode(&buf, img); encErr != nil {
		return nil, "", fmt.Errorf("enhancement failed (%v) and raw encode failed: %w", err, encErr)
	}
	return buf.Bytes(), fmt.Sprintf("page %d: enhancement failed, using raw render: %v", page+1, err), nil
}

func (e *Engine) resolveSchema(ctx context.Context, name string, firstPage []byte) (model.Schema, *model.SchemaDetection, error) {
	if name != "" {
		s, err := e.schemas.Get(name)
		return s, nil, err
	}
	return e.schemas.Detect(ctx, firstPage, "")
}

// fail records a terminal failure and publishes the final snapshot
func (e *Engine) fail(ctx context.Context, docID uint, attempt int, reason string, cause error) (Result, error) {
	log.Printf("[pipeline] document %d failed (%s): %v", docID, reason, cause)
	if err := e.store.FailDocument(ctx, docID, attempt, reason); err != nil {
		log.Printf("[pipeline] failed to record failure for document %d: %v", docID, err)
	}
	e.publish(ctx, model.StatusSnapshot{
		DocumentID:   docID,
		Status:       model.StatusFailed,
		ErrorMessage: reason,
	})
	return ResultFailed, cause
}

// release hands the document back to pending ahead of a queue redelivery
func (e *Engine) release(ctx context.Context, docID uint, attempt int) {
	if err := e.store.ReleaseDocument(ctx, docID, attempt); err != nil {
		log.Printf("[pipeline] failed to release document %d: %v", docID, err)
	}
}

func (e *Engine) publish(ctx context.Context, snap model.StatusSnapshot) {
	if err := e.tracker.Publish(ctx, snap); err != nil {
		log.Printf("[pipeline] failed to publish snapshot for document %d: %v", snap.DocumentID, err)
	}
}

func backoffDelay(retry int) time.Duration {
	delay := retryBackoffBase << retry
	if delay > retryBackoffCap {
		delay = retryBackoffCap
	}
	return delay
}

func pageStatuses(pages []PageResult) []string {
	statuses := make([]string, len(pages))
	for i, p := range pages {
		statuses[i] = p.Method
	}
	return statuses
}

// roundProgress reports progress to two decimal places
func roundProgress(frac float64) float64 {
	return float64(int(frac*100+0.5)) / 100
}

func valuesToAny(fields map[string]model.Value) map[string]any {
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		out[name] = v.ToAny()
	}
	return out
}
