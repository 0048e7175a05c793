// Package services holds the core, adapter-agnostic business logic: the
// Session Coordinator, which owns the session state machine and supervises
// the other components through the ports it is constructed with.
package services

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"extraction-worker/config"
	"extraction-worker/internal/core/domain"
	"extraction-worker/internal/core/ports"
	"extraction-worker/packager"
	pkgerrors "extraction-worker/pkg/errors"
	"extraction-worker/pkg/logger"
	"extraction-worker/pkg/metrics"
	"extraction-worker/splitter"
	"extraction-worker/utils"
)

// Enqueuer is the narrow slice of the dispatcher the coordinator needs to
// hand off freshly created child jobs (keeps this package free of an import
// cycle back into package dispatcher).
type Enqueuer interface {
	Enqueue(ctx context.Context, sessionID, jobID string) error
	Resume(ctx context.Context, sessionID string) error
}

// Coordinator implements ports.SessionService (spec §4.1).
type Coordinator struct {
	sessions ports.SessionRepository
	jobs     ports.JobRepository
	blobs    ports.BlobStore
	credits  ports.CreditChecker
	dispatch Enqueuer
	packager *packager.Packager
	cfg      config.PipelineConfig
	log      *logger.Logger
	met      *metrics.Metrics
}

var _ ports.SessionService = (*Coordinator)(nil)

func New(
	sessions ports.SessionRepository,
	jobs ports.JobRepository,
	blobs ports.BlobStore,
	credits ports.CreditChecker,
	dispatch Enqueuer,
	pkgr *packager.Packager,
	cfg config.PipelineConfig,
	log *logger.Logger,
	met *metrics.Metrics,
) *Coordinator {
	return &Coordinator{
		sessions: sessions,
		jobs:     jobs,
		blobs:    blobs,
		credits:  credits,
		dispatch: dispatch,
		packager: pkgr,
		cfg:      cfg,
		log:      log,
		met:      met,
	}
}

// Create validates credits, splits every uploaded file into pages, writes
// originals and per-page blobs, and creates the session plus one parent and
// N child Job rows per file (spec §4.1 Create).
func (c *Coordinator) Create(ctx context.Context, userID string, files []ports.UploadedFile, modelID string) (*domain.Session, []*domain.Job, error) {
	if len(files) == 0 {
		return nil, nil, pkgerrors.NewInvalidInput("no files provided")
	}
	if len(files) > c.cfg.MaxFilesPerSession {
		return nil, nil, pkgerrors.NewInvalidInput(fmt.Sprintf("too many files: max %d per session", c.cfg.MaxFilesPerSession))
	}
	if modelID == "" {
		modelID = c.cfg.DefaultModelID
	}

	type planned struct {
		name  string
		data  []byte
		pages []splitter.Page
	}
	plans := make([]planned, 0, len(files))
	totalPages := 0

	for _, f := range files {
		rc, err := f.Open()
		if err != nil {
			return nil, nil, pkgerrors.Wrap(err, pkgerrors.InvalidInput, "UPLOAD_READ_FAILED", "could not open uploaded file")
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, nil, pkgerrors.Wrap(err, pkgerrors.InvalidInput, "UPLOAD_READ_FAILED", "could not read uploaded file")
		}
		if int64(len(data)) > c.cfg.MaxFileSize {
			return nil, nil, pkgerrors.NewInvalidInput(fmt.Sprintf("file %q exceeds max size", f.Name))
		}

		mimeType := utils.DetectMimeType(data)
		var pages []splitter.Page
		if utils.IsPdfDocument(mimeType) {
			splitPages, _, err := splitter.Split(data)
			if err != nil {
				return nil, nil, err
			}
			pages = splitPages
		} else {
			// non-PDF input (e.g. a scanned image): pass through as a
			// single page unchanged (spec §4.2).
			pages = []splitter.Page{{Number: 1, Bytes: data}}
		}

		plans = append(plans, planned{name: f.Name, data: data, pages: pages})
		totalPages += len(pages)
	}

	if c.credits != nil {
		ok, remaining, err := c.credits.Reserve(ctx, userID, totalPages)
		if err != nil {
			return nil, nil, pkgerrors.Wrap(err, pkgerrors.StorageUnavailable, "CREDIT_CHECK_FAILED", "could not check credits")
		}
		if !ok {
			return nil, nil, pkgerrors.NewInsufficientCredits(totalPages, remaining)
		}
	}

	now := time.Now().UTC()
	sessionID := uuid.NewString()
	blobPrefix := fmt.Sprintf("users/%s/sessions/%s/", userID, sessionID)

	session := &domain.Session{
		ID:         sessionID,
		UserID:     userID,
		Status:     domain.SessionUploading,
		TotalFiles: len(files),
		TotalPages: totalPages,
		BlobPrefix: blobPrefix,
		ModelID:    modelID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.cfg.Retention),
	}

	var allJobs []*domain.Job
	for _, p := range plans {
		parentID := uuid.NewString()
		parent := &domain.Job{
			ID:        parentID,
			SessionID: sessionID,
			FileName:  p.name,
			Status:    domain.JobQueued,
			PageCount: len(p.pages),
			CreatedAt: now,
			UpdatedAt: now,
		}
		// {timestamp}_{uniqueToken}_ collision guard shared by a file's
		// original and all of its split pages (spec §6.1's blob path contract).
		timestamp := now.UTC().Format("20060102150405")
		token := uniqueToken()

		originalPath := filepath.ToSlash(filepath.Join(blobPrefix, "originals", fmt.Sprintf("%s_%s_%s", timestamp, token, p.name)))
		if err := c.blobs.Put(ctx, originalPath, p.data, map[string]string{"session_id": sessionID}); err != nil {
			return nil, nil, err
		}
		parent.BlobURL = originalPath
		allJobs = append(allJobs, parent)

		origStem := trimExt(p.name)
		for _, pg := range p.pages {
			pagePath := filepath.ToSlash(filepath.Join(blobPrefix, "pages", fmt.Sprintf("%s_%s_%s_page_%d.pdf", timestamp, token, origStem, pg.Number)))
			if err := c.blobs.Put(ctx, pagePath, pg.Bytes, map[string]string{"session_id": sessionID, "parent_job_id": parentID}); err != nil {
				return nil, nil, err
			}
			child := &domain.Job{
				ID:              uuid.NewString(),
				SessionID:       sessionID,
				ParentJobID:     parentID,
				FileName:        p.name,
				SplitPageNumber: pg.Number,
				Status:          domain.JobQueued,
				BlobURL:         pagePath,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			allJobs = append(allJobs, child)
		}
	}

	if err := c.sessions.Create(ctx, session); err != nil {
		return nil, nil, err
	}
	if err := c.jobs.CreateMany(ctx, allJobs); err != nil {
		return nil, nil, err
	}

	if ok, _ := c.sessions.CompareAndSwapStatus(ctx, sessionID, domain.SessionUploading, domain.SessionProcessing); ok {
		session.Status = domain.SessionProcessing
	}
	if c.log != nil {
		c.log.LogSessionCreated(ctx, sessionID, len(files), totalPages)
	}
	if c.met != nil {
		c.met.SessionsCreatedTotal.Inc()
	}

	for _, j := range allJobs {
		if j.ParentJobID == "" {
			continue
		}
		if err := c.dispatch.Enqueue(ctx, sessionID, j.ID); err != nil {
			return nil, nil, err
		}
	}

	return session, allJobs, nil
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}

// uniqueToken returns the 6-character alphanumeric collision guard used in
// blob paths (spec §6.1).
func uniqueToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

// GetStatus returns the aggregated session view (spec §4.1 GetStatus).
func (c *Coordinator) GetStatus(ctx context.Context, sessionID string) (*ports.SessionStatusView, error) {
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, pkgerrors.NewNotFound("session " + sessionID)
	}
	// a status read exactly at expiresAt must observe EXPIRED even if the
	// lifecycle manager's timer has not fired its cleanup pass yet (spec §8
	// boundary behavior); full blob/job cleanup remains the lifecycle
	// manager's responsibility, run asynchronously and idempotently.
	if !session.Status.IsTerminal() && !session.ExpiresAt.After(time.Now().UTC()) {
		if ok, _ := c.sessions.CompareAndSwapStatus(ctx, sessionID, session.Status, domain.SessionExpired); ok {
			session.Status = domain.SessionExpired
		}
	}
	jobs, err := c.jobs.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	completed, failed := 0, 0
	for _, j := range jobs {
		if j.ParentJobID == "" {
			continue
		}
		switch j.Status {
		case domain.JobCompleted:
			completed++
		case domain.JobFailed:
			failed++
		}
	}

	credits := 0
	if c.credits != nil {
		credits, _ = c.credits.Balance(ctx, session.UserID)
	}

	return &ports.SessionStatusView{
		Session:       session,
		Progress:      session.Progress(),
		CompletedJobs: completed,
		FailedJobs:    failed,
		UserCredits:   credits,
		Jobs:          jobs,
	}, nil
}

// Cancel moves a pre-terminal session to CANCELLED (spec §4.1 Cancel).
// In-flight jobs are not forcibly stopped; they observe CANCELLED at their
// next suspension point via the dispatcher's own status check.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) error {
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return pkgerrors.NewNotFound("session " + sessionID)
	}
	if session.Status.IsTerminal() {
		return pkgerrors.NewInvalidInput("session already in a terminal state")
	}

	if ok, err := c.sessions.CompareAndSwapStatus(ctx, sessionID, session.Status, domain.SessionCancelled); err != nil {
		return err
	} else if !ok {
		return pkgerrors.NewInvalidInput("session status changed concurrently")
	}
	if c.log != nil {
		c.log.LogSessionTransition(ctx, sessionID, string(session.Status), string(domain.SessionCancelled))
	}

	jobs, err := c.jobs.ListNonTerminalBySession(ctx, sessionID)
	if err != nil {
		return nil // best-effort; the session itself is already cancelled
	}
	for _, j := range jobs {
		j.Status = domain.JobCancelled
		_ = c.jobs.Update(ctx, j)
	}
	return nil
}

// Download streams the packaged archive for a session (spec §4.6).
func (c *Coordinator) Download(ctx context.Context, sessionID string) (io.Reader, string, error) {
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if session == nil {
		return nil, "", pkgerrors.NewNotFound("session " + sessionID)
	}
	if session.Status == domain.SessionExpired || !session.ExpiresAt.After(time.Now().UTC()) {
		return nil, "", pkgerrors.NewSessionExpired(sessionID)
	}
	if session.Status != domain.SessionCompleted {
		return nil, "", pkgerrors.NewNotFound("session " + sessionID + " not yet completed")
	}

	jobs, err := c.jobs.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}

	// The packager writes into a pipe rather than an in-memory buffer so the
	// archive is streamed straight through to the HTTP response without ever
	// materializing the whole ZIP in memory (spec §4.6).
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(c.packager.Stream(ctx, session, jobs, pw))
	}()
	return pr, fmt.Sprintf("session_%s.zip", sessionID), nil
}

// OnJobTerminal re-evaluates aggregate session state whenever a child job
// reaches a terminal status (spec §4.1 "driven by aggregate child-job
// state"). Called by the dispatcher after each job's terminal transition.
func (c *Coordinator) OnJobTerminal(ctx context.Context, sessionID string) error {
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil || session == nil {
		return err
	}
	if session.Status != domain.SessionProcessing {
		return nil
	}

	jobs, err := c.jobs.ListBySession(ctx, sessionID)
	if err != nil {
		return err
	}

	allTerminal := true
	for _, j := range jobs {
		if j.ParentJobID == "" {
			continue
		}
		if !j.Status.IsTerminal() {
			allTerminal = false
			break
		}
	}
	if !allTerminal {
		return nil
	}

	ok, err := c.sessions.CompareAndSwapStatus(ctx, sessionID, domain.SessionProcessing, domain.SessionPostProcessing)
	if err != nil || !ok {
		return err
	}
	startedAt := time.Now().UTC()
	_ = c.sessions.SetPostProcessingWindow(ctx, sessionID, &startedAt, nil, session.PostProcessedCount)
	if c.log != nil {
		c.log.LogSessionTransition(ctx, sessionID, string(domain.SessionProcessing), string(domain.SessionPostProcessing))
	}

	// post-processing of individual jobs already ran inline as each job
	// completed (dispatcher.completeJob); by the time every job is
	// terminal, post-processing work is done or permanently failed, so the
	// session can move straight to COMPLETED. A session with zero
	// successful jobs still completes with an empty archive (spec §4.1).
	finishedAt := time.Now().UTC()
	if ok, err := c.sessions.CompareAndSwapStatus(ctx, sessionID, domain.SessionPostProcessing, domain.SessionCompleted); err == nil && ok {
		_ = c.sessions.SetPostProcessingWindow(ctx, sessionID, &startedAt, &finishedAt, session.PostProcessedCount)
		if c.log != nil {
			c.log.LogSessionTransition(ctx, sessionID, string(domain.SessionPostProcessing), string(domain.SessionCompleted))
		}
		if c.met != nil {
			c.met.SessionsCompletedTotal.Inc()
		}
	}
	return nil
}
