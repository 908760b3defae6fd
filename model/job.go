package model

import "time"

// ProcessOptions are the caller-supplied knobs for a processing run
type ProcessOptions struct {
	// Schema names a registered extraction schema. Empty means auto-detect.
	Schema       string `json:"schema,omitempty"`
	TemplateMode bool   `json:"template_mode,omitempty"`
}

// Job is a queue item requesting that one document be advanced through the
// pipeline. It lives only inside the queue; the Document row is the source
// of truth for state.
type Job struct {
	JobID      string         `json:"job_id"`
	DocumentID uint           `json:"document_id"`
	Attempt    int            `json:"attempt"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Options    ProcessOptions `json:"options"`
}

// Redis key patterns shared by the queue, the progress tracker and the
// cancellation tombstones.
const (
	// RedisKeyJobState stores the last published snapshot for a document
	// Usage: fmt.Sprintf(RedisKeyJobState, documentID)
	RedisKeyJobState = "doc:state:%d"

	// RedisKeyCancel marks a document as deleted mid-flight; the pipeline
	// checks it at every stage boundary
	// Usage: fmt.Sprintf(RedisKeyCancel, documentID)
	RedisKeyCancel = "doc:cancel:%d"

	// RedisKeyQueue is the pending-job list (LPUSH/BRPOP)
	RedisKeyQueue = "queue:documents"

	// RedisKeyLeases is the sorted set of in-flight lease tokens scored by
	// visibility deadline (unix seconds)
	RedisKeyLeases = "queue:leases"

	// RedisKeyLeaseJob stores the job payload for a lease token
	// Usage: fmt.Sprintf(RedisKeyLeaseJob, token)
	RedisKeyLeaseJob = "queue:lease:%s"

	// RedisKeyDelayed is the sorted set of jobs scheduled for later
	// visibility, scored by ready-at time (unix seconds)
	RedisKeyDelayed = "queue:delayed"
)
