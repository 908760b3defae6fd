package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/docpipe/docpipe/config"
	"github.com/docpipe/docpipe/model"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrDocumentNotFound is returned when a document id resolves to no row
var ErrDocumentNotFound = errors.New("document not found")

type GORMStore struct {
	db *gorm.DB
}

// StartGORM initializes a GORM connection to PostgreSQL
func StartGORM() (*GORMStore, error) {
	getEnv, err := config.Get()
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		getEnv.DB_HOST,
		getEnv.DB_USER_NAME,
		getEnv.DB_PASSWORD,
		getEnv.DB_NAME,
		getEnv.DB_PORT,
		getEnv.DB_SSL_MODE,
	)

	gormLogger := logger.Default.LogMode(logger.Info)
	if getEnv.GO_ENV == "production" {
		gormLogger = logger.Default.LogMode(logger.Error)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: false,
		PrepareStmt:            true,
	})
	if err != nil {
		log.Println("Unable to connect to PostgreSQL with GORM:", err)
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Println("Successfully connected to PostgreSQL Database with GORM.")

	return &GORMStore{db: db}, nil
}

// Init runs AutoMigrate to create/update tables
func (s *GORMStore) Init() error {
	log.Println("Running GORM AutoMigrate...")
	return s.db.AutoMigrate(&model.Document{})
}

// Close closes the underlying database connection
func (s *GORMStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// HealthCheck pings the database
func (s *GORMStore) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateDocument inserts a new document row
func (s *GORMStore) CreateDocument(ctx context.Context, doc *model.Document) error {
	return s.db.WithContext(ctx).Create(doc).Error
}

// GetDocument fetches one document by id
func (s *GORMStore) GetDocument(ctx context.Context, id uint) (*model.Document, error) {
	var doc model.Document
	err := s.db.WithContext(ctx).First(&doc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetDocumentByHash fetches a document by its content hash, used for
// upload deduplication
func (s *GORMStore) GetDocumentByHash(ctx context.Context, hash string) (*model.Document, error) {
	var doc model.Document
	err := s.db.WithContext(ctx).Where("content_hash = ?", hash).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetDocumentsByJobID fetches all documents enqueued under a batch job id
func (s *GORMStore) GetDocumentsByJobID(ctx context.Context, jobID string) ([]model.Document, error) {
	var docs []model.Document
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id asc").Find(&docs).Error
	return docs, err
}

// ListDocuments returns a page of documents, optionally filtered by status,
// newest first
func (s *GORMStore) ListDocuments(ctx context.Context, status model.ProcessingStatus, skip, limit int) ([]model.Document, int64, error) {
	query := s.db.WithContext(ctx).Model(&model.Document{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var docs []model.Document
	// id breaks created_at ties so pages stay stable
	err := query.Order("created_at desc, id desc").Offset(skip).Limit(limit).Find(&docs).Error
	return docs, total, err
}

// GetDocumentsByIDs fetches documents for a batch export, preserving nothing
// about request order (callers reorder as needed)
func (s *GORMStore) GetDocumentsByIDs(ctx context.Context, ids []uint) ([]model.Document, error) {
	var docs []model.Document
	err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&docs).Error
	return docs, err
}

// SetJobID records the queue job a document was enqueued under
func (s *GORMStore) SetJobID(ctx context.Context, id uint, jobID string) error {
	return s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ?", id).
		Update("job_id", jobID).Error
}

// ClaimDocument atomically moves a pending, unowned document to processing.
// Returns false when the row was already claimed, cancelled or advanced.
func (s *GORMStore) ClaimDocument(ctx context.Context, id uint, worker, jobID string, attempt int) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND status = ? AND current_worker IS NULL", id, model.StatusPending).
		Updates(map[string]interface{}{
			"status":         model.StatusProcessing,
			"current_worker": worker,
			"heartbeat_at":   now,
			"attempt_number": attempt,
			"job_id":         jobID,
			"progress":       0,
			"error_message":  "",
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Heartbeat refreshes the worker liveness timestamp on an owned document
func (s *GORMStore) Heartbeat(ctx context.Context, id uint, worker string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND current_worker = ?", id, worker).
		Update("heartbeat_at", now).Error
}

// SetProgress records pipeline progress. The attempt guard keeps a stale
// worker from overwriting a newer attempt's state.
func (s *GORMStore) SetProgress(ctx context.Context, id uint, attempt int, progress float64, pageCount int) error {
	updates := map[string]interface{}{
		"progress": progress,
	}
	if pageCount > 0 {
		updates["page_count"] = pageCount
	}
	return s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND attempt_number = ?", id, attempt).
		Updates(updates).Error
}

// CompleteDocument finalizes a successful run with its extraction results
func (s *GORMStore) CompleteDocument(ctx context.Context, id uint, attempt int, updates map[string]interface{}) error {
	updates["status"] = model.StatusCompleted
	updates["progress"] = 1.0
	updates["current_worker"] = nil
	updates["error_message"] = ""
	res := s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND attempt_number = ? AND status = ?", id, attempt, model.StatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("complete document %d: attempt %d no longer owns the row", id, attempt)
	}
	return nil
}

// FailDocument finalizes a failed run
func (s *GORMStore) FailDocument(ctx context.Context, id uint, attempt int, errMsg string) error {
	return s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND attempt_number = ? AND status = ?", id, attempt, model.StatusProcessing).
		Updates(map[string]interface{}{
			"status":         model.StatusFailed,
			"current_worker": nil,
			"error_message":  errMsg,
		}).Error
}

// FailExhaustedDocument marks a document failed after its retry budget is
// spent, whatever non-terminal state the last attempt left it in
func (s *GORMStore) FailExhaustedDocument(ctx context.Context, id uint, errMsg string) error {
	return s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND status IN ?", id, []model.ProcessingStatus{model.StatusPending, model.StatusProcessing}).
		Updates(map[string]interface{}{
			"status":         model.StatusFailed,
			"current_worker": nil,
			"error_message":  errMsg,
		}).Error
}

// ReleaseDocument returns an owned document to pending so another attempt can
// claim it
func (s *GORMStore) ReleaseDocument(ctx context.Context, id uint, attempt int) error {
	return s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND attempt_number = ? AND status = ?", id, attempt, model.StatusProcessing).
		Updates(map[string]interface{}{
			"status":         model.StatusPending,
			"current_worker": nil,
		}).Error
}

// ResetForReprocessing clears results and returns the document to pending
func (s *GORMStore) ResetForReprocessing(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":            model.StatusPending,
			"progress":          0,
			"current_worker":    nil,
			"error_message":     "",
			"extracted_data":    nil,
			"confidence_scores": nil,
			"processing_meta":   nil,
			"schema_used":       "",
			"processing_time":   0,
		}).Error
}

// ResetStaleProcessing returns documents whose worker heartbeat went silent
// back to pending. Returns the ids that were reset.
func (s *GORMStore) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) ([]uint, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var stale []model.Document
	err := s.db.WithContext(ctx).
		Where("status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)", model.StatusProcessing, cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(stale))
	for _, doc := range stale {
		res := s.db.WithContext(ctx).Model(&model.Document{}).
			Where("id = ? AND status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)",
				doc.ID, model.StatusProcessing, cutoff).
			Updates(map[string]interface{}{
				"status":         model.StatusPending,
				"current_worker": nil,
			})
		if res.Error != nil {
			return ids, res.Error
		}
		if res.RowsAffected > 0 {
			ids = append(ids, doc.ID)
		}
	}
	return ids, nil
}

// DeleteDocument removes a document row
func (s *GORMStore) DeleteDocument(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&model.Document{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// MarkExcelExported stamps the export time on the given documents
func (s *GORMStore) MarkExcelExported(ctx context.Context, ids []uint) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&model.Document{}).
		Where("id IN ?", ids).
		Update("excel_exported_at", now).Error
}

// CountByStatus returns document counts grouped by status, for health
// reporting
func (s *GORMStore) CountByStatus(ctx context.Context) (map[model.ProcessingStatus]int64, error) {
	type row struct {
		Status model.ProcessingStatus
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&model.Document{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.ProcessingStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
