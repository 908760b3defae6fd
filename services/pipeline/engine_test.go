package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/docpipe/docpipe/model"
	"github.com/docpipe/docpipe/services/progress"
	"github.com/docpipe/docpipe/services/queue"
	"github.com/docpipe/docpipe/services/schema"
	"github.com/docpipe/docpipe/services/vision"
)

// fakeStore keeps one document's lifecycle in memory with the same
// conditional-write semantics as the real store
type fakeStore struct {
	mu  sync.Mutex
	doc model.Document

	progressLog []float64
	completions int

	// When set, Heartbeat signals the channel without blocking
	heartbeatCh chan struct{}
}

func newFakeStore(doc model.Document) *fakeStore {
	return &fakeStore{doc: doc}
}

func (s *fakeStore) GetDocument(ctx context.Context, id uint) (*model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.doc.ID {
		return nil, errors.New("document not found")
	}
	copy := s.doc
	return &copy, nil
}

func (s *fakeStore) ClaimDocument(ctx context.Context, id uint, worker, jobID string, attempt int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.doc.ID || s.doc.Status != model.StatusPending || s.doc.CurrentWorker != nil {
		return false, nil
	}
	s.doc.Status = model.StatusProcessing
	s.doc.CurrentWorker = &worker
	s.doc.AttemptNumber = attempt
	s.doc.JobID = jobID
	return true, nil
}

func (s *fakeStore) Heartbeat(ctx context.Context, id uint, worker string) error {
	if s.heartbeatCh != nil {
		select {
		case s.heartbeatCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *fakeStore) SetProgress(ctx context.Context, id uint, attempt int, frac float64, pageCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt != s.doc.AttemptNumber {
		return nil
	}
	s.doc.Progress = frac
	if pageCount > 0 {
		s.doc.PageCount = pageCount
	}
	s.progressLog = append(s.progressLog, frac)
	return nil
}

func (s *fakeStore) CompleteDocument(ctx context.Context, id uint, attempt int, updates map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt != s.doc.AttemptNumber || s.doc.Status != model.StatusProcessing {
		return errors.New("attempt no longer owns the row")
	}
	s.doc.Status = model.StatusCompleted
	s.doc.Progress = 1.0
	s.doc.CurrentWorker = nil
	if v, ok := updates["schema_used"].(string); ok {
		s.doc.SchemaUsed = v
	}
	s.completions++
	return nil
}

func (s *fakeStore) FailDocument(ctx context.Context, id uint, attempt int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt != s.doc.AttemptNumber || s.doc.Status != model.StatusProcessing {
		return nil
	}
	s.doc.Status = model.StatusFailed
	s.doc.CurrentWorker = nil
	s.doc.ErrorMessage = errMsg
	return nil
}

func (s *fakeStore) ReleaseDocument(ctx context.Context, id uint, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt != s.doc.AttemptNumber || s.doc.Status != model.StatusProcessing {
		return nil
	}
	s.doc.Status = model.StatusPending
	s.doc.CurrentWorker = nil
	return nil
}

func (s *fakeStore) snapshot() model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

type fakeBlobs struct{ data map[string][]byte }

func (b *fakeBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	d, ok := b.data[key]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return d, nil
}

// fakeRaster pretends every document has a fixed page count
type fakeRaster struct {
	pages int
	err   error
}

func (r *fakeRaster) PageCount(ctx context.Context, pdfBytes []byte) (int, error) {
	return r.pages, r.err
}

func (r *fakeRaster) RenderPage(ctx context.Context, pdfBytes []byte, page int) (image.Image, error) {
	return image.NewGray(image.Rect(0, 0, 8, 8)), nil
}

type passthroughPrep struct{}

func (passthroughPrep) Prepare(ctx context.Context, img image.Image) ([]byte, error) {
	return []byte("png"), nil
}

// fakeVision scripts per-page outcomes: failPages always error, others return
// one field per page
type fakeVision struct {
	mu        sync.Mutex
	failPages map[int]bool
	failAll   bool
	calls     map[int]int
}

func newFakeVision() *fakeVision {
	return &fakeVision{failPages: map[int]bool{}, calls: map[int]int{}}
}

func (v *fakeVision) ExtractPage(ctx context.Context, pageImage []byte, s model.Schema) (*vision.PageExtraction, error) {
	v.mu.Lock()
	page := v.nextPage()
	v.mu.Unlock()

	if v.failAll || v.failPages[page] {
		return nil, errors.New("vision unavailable")
	}
	return &vision.PageExtraction{
		Fields: map[string]model.Value{
			"invoice_number": {Kind: model.KindText, Text: fmt.Sprintf("INV-%03d", page)},
			"invoice_date":   {Kind: model.KindDate, Text: "2024-05-01"},
			"vendor_name":    {Kind: model.KindText, Text: "ACME Corp"},
			"total":          {Kind: model.KindNumber, Number: 100},
		},
		Confidence: map[string]float64{
			"invoice_number": 0.9, "invoice_date": 0.9, "vendor_name": 0.9, "total": 0.9,
		},
	}, nil
}

// nextPage tracks which page is being extracted by counting retry rounds per
// page. The engine retries a page MaxPerPageRetries times before moving on.
func (v *fakeVision) nextPage() int {
	for page := 0; ; page++ {
		limit := 1
		if v.failAll || v.failPages[page] {
			limit = MaxPerPageRetries + 1
		}
		if v.calls[page] < limit {
			v.calls[page]++
			return page
		}
	}
}

func (v *fakeVision) DetectSchema(ctx context.Context, pageImage []byte, hint string, known []model.Schema) (*model.SchemaDetection, error) {
	return &model.SchemaDetection{SchemaName: "invoice", Confidence: 0.9}, nil
}

type fakeOCR struct {
	text string
	err  error
}

func (o *fakeOCR) RecognizePage(ctx context.Context, pageImage []byte) (string, error) {
	return o.text, o.err
}

func newTestEngine(store *fakeStore, pages int, v *fakeVision, o *fakeOCR, tracker *progress.Tracker) *Engine {
	return NewEngine(Config{
		Store:      store,
		Blobs:      &fakeBlobs{data: map[string][]byte{"blob-key": []byte("%PDF-1.4")}},
		Rasterizer: &fakeRaster{pages: pages},
		Prep:       passthroughPrep{},
		Vision:     v,
		OCR:        o,
		Schemas:    schema.NewRegistry(v),
		Tracker:    tracker,
		MaxPages:   10,
		ModelName:  "test-model",
		WorkerID:   "test-worker",
	})
}

func pendingDoc() model.Document {
	return model.Document{ID: 1, Status: model.StatusPending, BlobKey: "blob-key"}
}

func testJob() model.Job {
	return model.Job{JobID: "job-1", DocumentID: 1, Attempt: 1}
}

func TestProcessCompletesDocument(t *testing.T) {
	store := newFakeStore(pendingDoc())
	tracker := progress.NewTracker(progress.NewBus(), nil)
	engine := newTestEngine(store, 2, newFakeVision(), &fakeOCR{text: "x"}, tracker)

	res, err := engine.Process(context.Background(), testJob(), nil, nil)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if res != ResultCompleted {
		t.Fatalf("result = %d, want ResultCompleted", res)
	}

	doc := store.snapshot()
	if doc.Status != model.StatusCompleted {
		t.Errorf("status = %s, want completed", doc.Status)
	}
	if doc.Progress != 1.0 {
		t.Errorf("completed document progress = %v, want 1.0", doc.Progress)
	}
	if doc.SchemaUsed != "invoice" {
		t.Errorf("schema used = %q, want detected invoice", doc.SchemaUsed)
	}
	if doc.CurrentWorker != nil {
		t.Errorf("current worker should be cleared on completion")
	}

	// Progress must be monotonic
	for i := 1; i < len(store.progressLog); i++ {
		if store.progressLog[i] < store.progressLog[i-1] {
			t.Errorf("progress went backwards: %v", store.progressLog)
			break
		}
	}
}

func TestProcessSkipsUnclaimableDocument(t *testing.T) {
	doc := pendingDoc()
	other := "other-worker"
	doc.Status = model.StatusProcessing
	doc.CurrentWorker = &other

	store := newFakeStore(doc)
	tracker := progress.NewTracker(progress.NewBus(), nil)
	engine := newTestEngine(store, 2, newFakeVision(), &fakeOCR{text: "x"}, tracker)

	res, err := engine.Process(context.Background(), testJob(), nil, nil)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if res != ResultSkipped {
		t.Errorf("result = %d, want ResultSkipped for an owned document", res)
	}
}

func TestProcessTooManyPagesFailsTerminally(t *testing.T) {
	store := newFakeStore(pendingDoc())
	tracker := progress.NewTracker(progress.NewBus(), nil)
	engine := newTestEngine(store, 50, newFakeVision(), &fakeOCR{text: "x"}, tracker)

	res, _ := engine.Process(context.Background(), testJob(), nil, nil)
	if res != ResultFailed {
		t.Fatalf("result = %d, want ResultFailed", res)
	}
	doc := store.snapshot()
	if doc.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed", doc.Status)
	}
	if doc.ErrorMessage != ErrDocumentTooLarge {
		t.Errorf("error = %q, want %q", doc.ErrorMessage, ErrDocumentTooLarge)
	}
}

func TestProcessOCRFallbackOnVisionFailure(t *testing.T) {
	v := newFakeVision()
	v.failPages[1] = true // page 2 exhausts vision retries, OCR takes over

	store := newFakeStore(pendingDoc())
	tracker := progress.NewTracker(progress.NewBus(), nil)
	engine := newTestEngine(store, 3, v, &fakeOCR{text: "recovered text"}, tracker)

	res, err := engine.Process(context.Background(), testJob(), nil, nil)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if res != ResultCompleted {
		t.Fatalf("result = %d, want ResultCompleted despite one vision failure", res)
	}
	if got := v.calls[1]; got != MaxPerPageRetries+1 {
		t.Errorf("page 2 vision attempts = %d, want %d", got, MaxPerPageRetries+1)
	}
	if store.snapshot().Status != model.StatusCompleted {
		t.Errorf("document should complete via OCR fallback")
	}
}

func TestProcessAllPagesFailed(t *testing.T) {
	v := newFakeVision()
	v.failAll = true

	store := newFakeStore(pendingDoc())
	tracker := progress.NewTracker(progress.NewBus(), nil)
	engine := newTestEngine(store, 2, v, &fakeOCR{err: errors.New("ocr down")}, tracker)

	res, _ := engine.Process(context.Background(), testJob(), nil, nil)
	if res != ResultFailed {
		t.Fatalf("result = %d, want ResultFailed", res)
	}
	doc := store.snapshot()
	if doc.ErrorMessage != ErrAllPagesFailedExtraction {
		t.Errorf("error = %q, want %q", doc.ErrorMessage, ErrAllPagesFailedExtraction)
	}
}

func TestProcessObservesCancellationTombstone(t *testing.T) {
	store := newFakeStore(pendingDoc())
	tracker := progress.NewTracker(progress.NewBus(), nil)
	engine := newTestEngine(store, 2, newFakeVision(), &fakeOCR{text: "x"}, tracker)

	// Tombstone set before the worker gets to the document
	if err := tracker.Cancel(context.Background(), 1); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	res, err := engine.Process(context.Background(), testJob(), nil, nil)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if res != ResultCancelled {
		t.Fatalf("result = %d, want ResultCancelled", res)
	}
	if store.snapshot().Status == model.StatusCompleted {
		t.Errorf("cancelled document must not complete")
	}
}

// slowVision stalls each page extraction until a worker heartbeat lands, so
// the test fails if liveness stops while a page is in flight
type slowVision struct {
	*fakeVision
	beats chan struct{}

	starveMu sync.Mutex
	starved  bool
}

func (v *slowVision) ExtractPage(ctx context.Context, pageImage []byte, s model.Schema) (*vision.PageExtraction, error) {
	// Drain signals left over from earlier stage checkpoints
	for {
		select {
		case <-v.beats:
			continue
		default:
		}
		break
	}

	select {
	case <-v.beats:
	case <-time.After(2 * time.Second):
		v.starveMu.Lock()
		v.starved = true
		v.starveMu.Unlock()
	}
	return v.fakeVision.ExtractPage(ctx, pageImage, s)
}

func TestKeepAliveCoversSlowPages(t *testing.T) {
	beats := make(chan struct{}, 1)
	v := &slowVision{fakeVision: newFakeVision(), beats: beats}

	store := newFakeStore(pendingDoc())
	store.heartbeatCh = beats
	tracker := progress.NewTracker(progress.NewBus(), nil)

	ctx := context.Background()
	q := queue.NewMemoryQueue()
	if err := q.Enqueue(ctx, testJob()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	lease, err := q.Claim(ctx, 100*time.Millisecond, 50*time.Millisecond)
	if err != nil || lease == nil {
		t.Fatalf("claim: %v", err)
	}

	engine := NewEngine(Config{
		Store:      store,
		Blobs:      &fakeBlobs{data: map[string][]byte{"blob-key": []byte("%PDF-1.4")}},
		Rasterizer: &fakeRaster{pages: 2},
		Prep:       passthroughPrep{},
		Vision:     v,
		OCR:        &fakeOCR{text: "x"},
		Schemas:    schema.NewRegistry(v),
		Tracker:    tracker,
		MaxPages:   10,
		ModelName:  "test-model",
		WorkerID:   "test-worker",
		KeepAlive:  5 * time.Millisecond,
	})

	res, err := engine.Process(ctx, lease.Job, lease, q)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if res != ResultCompleted {
		t.Fatalf("result = %d, want ResultCompleted", res)
	}

	v.starveMu.Lock()
	starved := v.starved
	v.starveMu.Unlock()
	if starved {
		t.Error("no heartbeat arrived while a page extraction was in flight")
	}

	// The lease outlived its original 50ms window, so the job is still
	// settleable and nothing gets requeued
	if swept, _ := q.SweepExpired(ctx); swept != 0 {
		t.Errorf("swept %d jobs, the extended lease must not expire", swept)
	}
	if err := q.Ack(ctx, lease.Token); err != nil {
		t.Errorf("ack after slow processing: %v", err)
	}
}

func TestProcessZeroPagesIsUnreadable(t *testing.T) {
	store := newFakeStore(pendingDoc())
	tracker := progress.NewTracker(progress.NewBus(), nil)
	engine := newTestEngine(store, 0, newFakeVision(), &fakeOCR{text: "x"}, tracker)

	res, _ := engine.Process(context.Background(), testJob(), nil, nil)
	if res != ResultFailed {
		t.Fatalf("result = %d, want ResultFailed", res)
	}
	if got := store.snapshot().ErrorMessage; got != ErrUnreadable {
		t.Errorf("error = %q, want %q", got, ErrUnreadable)
	}
}
