// Package domain holds the session-scoped extraction pipeline's core types:
// Session, Job, CleanupLog and the field value shapes produced by the
// normalizer. No adapter-specific types (Redis, Fiber, pdfcpu) appear here.
package domain

import "time"

// SessionStatus is the session state machine (spec §4.1).
type SessionStatus string

const (
	SessionUploading      SessionStatus = "UPLOADING"
	SessionProcessing     SessionStatus = "PROCESSING"
	SessionPostProcessing SessionStatus = "POST_PROCESSING"
	SessionCompleted      SessionStatus = "COMPLETED"
	SessionFailed         SessionStatus = "FAILED"
	SessionExpired        SessionStatus = "EXPIRED"
	SessionCancelled      SessionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionExpired, SessionCancelled:
		return true
	default:
		return false
	}
}

// JobStatus is the per-job state machine (spec §3, §5).
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobUploading  JobStatus = "UPLOADING"
	JobProcessing JobStatus = "PROCESSING"
	JobPolling    JobStatus = "POLLING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobExpired    JobStatus = "EXPIRED"
	JobCancelled  JobStatus = "CANCELLED"
)

// IsTerminal reports whether the job will never transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobExpired, JobCancelled:
		return true
	default:
		return false
	}
}

// Session is a user-scoped unit of work: a set of uploaded files sharing a
// retention window and a single state machine (spec §3).
type Session struct {
	ID             string
	UserID         string
	Status         SessionStatus
	TotalFiles     int
	TotalPages     int
	ProcessedPages int
	BlobPrefix     string
	ModelID        string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	ZipURL         string

	PostProcessingStartedAt  *time.Time
	PostProcessingFinishedAt *time.Time
	PostProcessedCount       int
}

// Progress returns round(processedPages/totalPages*100), 0 when there is
// nothing to process.
func (s *Session) Progress() int {
	if s.TotalPages <= 0 {
		return 0
	}
	return int((float64(s.ProcessedPages)/float64(s.TotalPages))*100 + 0.5)
}

// FieldKind tags the variant a normalized field value holds (spec §9: model
// the field as a tagged variant rather than a free-form record).
type FieldKind string

const (
	FieldScalar    FieldKind = "scalar"
	FieldSelection FieldKind = "selection"
	FieldSignature FieldKind = "signature"
	FieldDate      FieldKind = "date"
)

// Field is one normalized extracted field.
type Field struct {
	Kind       FieldKind `json:"kind"`
	Scalar     string    `json:"scalar,omitempty"`
	Bool       bool      `json:"bool,omitempty"`
	Date       string    `json:"date,omitempty"` // YYYY-MM-DD
	Raw        string    `json:"raw,omitempty"`  // original literal, for unparseable dates
	Confidence float64   `json:"confidence,omitempty"`
}

// FieldMap is the extracted-fields bag stored on a Job. The well-known key
// "_confidence" carries the operation's overall confidence (spec §4.3 step 4).
type FieldMap map[string]Field

const ConfidenceKey = "_confidence"

// Job is the processing unit for one page, or a metadata-only parent
// representing the originally uploaded file (spec §3).
type Job struct {
	ID              string
	SessionID       string
	ParentJobID     string // empty for parent jobs
	FileName        string
	SplitPageNumber int // 1-based; 0 for parent jobs
	Status          JobStatus

	BlobURL          string
	ProcessedFileURL string
	OperationID      string
	ExtractedFields  FieldMap
	NewFileName      string
	BaseFileName     string // rendered name before collision suffixing; collision detection key

	PageCount      int // set on parent jobs
	PagesProcessed int // set on parent jobs

	Error string

	RetryCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsParent reports whether this row is a parent (never dispatched directly).
func (j *Job) IsParent() bool {
	return j.ParentJobID == "" && j.PageCount >= 1
}

// CleanupLog is an append-only record of one lifecycle cleanup pass
// (spec §3).
type CleanupLog struct {
	ID              string
	StartedAt       time.Time
	CompletedAt     time.Time
	SessionsExpired int
	JobsExpired     int
	BlobsDeleted    int
	Status          string
	Errors          string
}
