package model

import (
	"time"

	"gorm.io/datatypes"
)

// ProcessingStatus represents the lifecycle state of a document
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// IsTerminal reports whether no further pipeline work is expected
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Document represents one uploaded PDF and its processing state
type Document struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Filename         string `gorm:"not null" json:"filename"`
	OriginalFilename string `gorm:"not null" json:"original_filename"`
	FileSize         int64  `gorm:"default:0" json:"file_size"`
	ContentHash      string `gorm:"type:varchar(64);uniqueIndex" json:"content_hash"`
	BlobKey          string `gorm:"type:varchar(500)" json:"blob_key"`

	Status    ProcessingStatus `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	Progress  float64          `gorm:"default:0" json:"progress"`
	PageCount int              `gorm:"default:0" json:"page_count"`

	// Extraction results
	ExtractedData    datatypes.JSON `gorm:"type:jsonb" json:"extracted_data,omitempty"`
	ConfidenceScores datatypes.JSON `gorm:"type:jsonb" json:"confidence_scores,omitempty"`
	SchemaUsed       string         `gorm:"type:varchar(100)" json:"schema_used,omitempty"`
	ProcessingMeta   datatypes.JSON `gorm:"type:jsonb" json:"processing_meta,omitempty"`

	ErrorMessage   string  `gorm:"type:text" json:"error_message,omitempty"`
	ProcessingTime float64 `gorm:"default:0" json:"processing_time"` // seconds

	// Excel export bookkeeping
	ExcelExportedAt *time.Time `json:"excel_exported_at,omitempty"`

	// Worker coordination. CurrentWorker is null whenever the document is not
	// being processed; AttemptNumber guards conditional writes against stale
	// workers.
	CurrentWorker *string    `gorm:"type:varchar(100)" json:"current_worker,omitempty"`
	HeartbeatAt   *time.Time `json:"heartbeat_at,omitempty"`
	AttemptNumber int        `gorm:"default:0" json:"attempt_number"`
	JobID         string     `gorm:"type:varchar(100);index" json:"job_id,omitempty"`
}

// ProcessingMetadata is the shape persisted in Document.ProcessingMeta
type ProcessingMetadata struct {
	DurationSeconds float64  `json:"duration_seconds"`
	Model           string   `json:"model"`
	Worker          string   `json:"worker"`
	PageStatuses    []string `json:"page_statuses"` // "vision", "ocr_fallback", "error"
	Warnings        []string `json:"warnings,omitempty"`
	StartedAt       string   `json:"started_at"`
	CompletedAt     string   `json:"completed_at,omitempty"`
}

// Per-page extraction method labels stored in ProcessingMetadata.PageStatuses
const (
	PageStatusVision      = "vision"
	PageStatusOCRFallback = "ocr_fallback"
	PageStatusError       = "error"
)

// StatusSnapshot is the wire shape returned by status and stream endpoints
type StatusSnapshot struct {
	DocumentID       uint               `json:"document_id"`
	Status           ProcessingStatus   `json:"status"`
	Progress         float64            `json:"progress"`
	PageCount        int                `json:"page_count"`
	ExtractedData    map[string]any     `json:"extracted_data"`
	ConfidenceScores map[string]float64 `json:"confidence_scores"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	ProcessingTime   float64            `json:"processing_time,omitempty"`
}
