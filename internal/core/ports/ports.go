// Package ports declares the hexagonal boundaries between the session
// pipeline's core and its adapters: the primary SessionService surface the
// HTTP layer drives, and the secondary repository/BlobStore/Extractor/Limiter
// interfaces the core depends on without knowing their implementation.
package ports

import (
	"context"
	"io"
	"mime/multipart"
	"time"

	"extraction-worker/internal/core/domain"
)

// UploadedFile is a primary-adapter-agnostic view of one multipart file.
type UploadedFile struct {
	Name string
	Size int64
	Open func() (multipart.File, error)
}

// SessionStatusView is the aggregate view returned by GetStatus (spec §4.1).
type SessionStatusView struct {
	Session       *domain.Session
	Progress      int
	CompletedJobs int
	FailedJobs    int
	UserCredits   int
	Jobs          []*domain.Job
}

// SessionService is the primary port the HTTP adapter drives.
type SessionService interface {
	Create(ctx context.Context, userID string, files []UploadedFile, modelID string) (*domain.Session, []*domain.Job, error)
	GetStatus(ctx context.Context, sessionID string) (*SessionStatusView, error)
	Cancel(ctx context.Context, sessionID string) error
	Download(ctx context.Context, sessionID string) (io.Reader, string, error)
}

// SessionRepository persists Session rows with conditional (CAS) updates.
type SessionRepository interface {
	Create(ctx context.Context, s *domain.Session) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	// CompareAndSwapStatus atomically moves the session from `from` to `to`,
	// returning false (no error) if the current status no longer matches
	// `from` — the caller's cue that another path already transitioned it.
	CompareAndSwapStatus(ctx context.Context, id string, from, to domain.SessionStatus) (bool, error)
	IncrementProcessedPages(ctx context.Context, id string, delta int) (int, error)
	SetZipURL(ctx context.Context, id, zipURL string) error
	SetPostProcessingWindow(ctx context.Context, id string, startedAt, finishedAt *time.Time, postProcessedCount int) error
	ListExpirable(ctx context.Context, asOf time.Time) ([]*domain.Session, error)
	UpdateExpiresAt(ctx context.Context, id string, expiresAt time.Time) error
}

// JobRepository persists Job rows and the shared dispatch queue of QUEUED
// jobs (one queue for all sessions).
type JobRepository interface {
	CreateMany(ctx context.Context, jobs []*domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	Update(ctx context.Context, j *domain.Job) error
	CompareAndSwapStatus(ctx context.Context, id string, from, to domain.JobStatus) (bool, error)
	ListBySession(ctx context.Context, sessionID string) ([]*domain.Job, error)
	// Enqueue pushes a job ID onto the shared dispatch queue.
	Enqueue(ctx context.Context, sessionID, jobID string) error
	// Dequeue blocks (bounded by ctx) for the next QUEUED job ID of any
	// session, or returns ("", nil) if ctx is done first.
	Dequeue(ctx context.Context) (string, error)
	ListNonTerminalBySession(ctx context.Context, sessionID string) ([]*domain.Job, error)
}

// CleanupLogRepository appends and reads lifecycle cleanup history.
type CleanupLogRepository interface {
	Append(ctx context.Context, log *domain.CleanupLog) error
}

// BlobStore is the abstract durable-storage collaborator (spec §6.4).
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, meta map[string]string) error
	Get(ctx context.Context, path string) ([]byte, error)
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// PollResult is the outcome of one Extractor.Poll call. Fields is the
// provider's raw, untyped field shape; the dispatcher runs it through the
// Field Normalizer (package normalizer) before persisting it on the job.
type PollResult struct {
	Done        bool
	Success     bool
	RetryAfter  time.Duration // honored per spec §6.4
	Fields      map[string]interface{}
	Confidence  float64
	Permanent   bool // true if a failure should not be retried
	ErrorDetail string
}

// Extractor is the abstract document-understanding provider (spec §6.4).
type Extractor interface {
	Submit(ctx context.Context, modelID string, page []byte) (operationID string, err error)
	Poll(ctx context.Context, operationID string) (PollResult, error)
}

// Limiter is the process-wide token-bucket quota gate (spec §4.3.1).
type Limiter interface {
	Acquire(ctx context.Context) error
}

// CreditChecker is the fake/stub external credit-accounting collaborator
// (out of scope per spec §1; modeled as an interface so Create can still
// enforce INSUFFICIENT_CREDITS without a real billing system).
type CreditChecker interface {
	Reserve(ctx context.Context, userID string, pages int) (ok bool, remaining int, err error)
	Balance(ctx context.Context, userID string) (int, error)
}
