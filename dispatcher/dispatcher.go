// Package dispatcher implements the Extraction Dispatcher (spec §4.3): a
// process-wide, rate-limited, bounded-concurrency pool that drives QUEUED
// child jobs through submit/poll to COMPLETED or FAILED. Adapted from the
// teacher's worker/worker.go and worker/manager.go Start/Stop/ctx/wg
// supervisory shape and dequeue loop, generalized from a generic media-job
// queue worker into a submit-then-poll extraction pipeline.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"extraction-worker/config"
	"extraction-worker/internal/core/domain"
	"extraction-worker/internal/core/ports"
	"extraction-worker/normalizer"
	pkgerrors "extraction-worker/pkg/errors"
	"extraction-worker/pkg/logger"
	"extraction-worker/pkg/metrics"
)

// SessionTransitioner is the narrow slice of the Session Coordinator the
// dispatcher needs: re-evaluating aggregate session state whenever a child
// job reaches a terminal status (spec §4.1).
type SessionTransitioner interface {
	OnJobTerminal(ctx context.Context, sessionID string) error
}

// Dispatcher owns the process-wide worker pool. One instance exists per
// process; its limiter and worker count are the only shared mutable state
// besides the lifecycle manager's timer set (spec §9).
type Dispatcher struct {
	jobs      ports.JobRepository
	sessions  ports.SessionRepository
	blobs     ports.BlobStore
	extractor ports.Extractor
	limiter   ports.Limiter
	coord     SessionTransitioner
	postProc  PostProcessor

	pollIntervalMin time.Duration
	pollDeadline    time.Duration
	maxConcurrent   int

	log *logger.Logger
	met *metrics.Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.Mutex
}

// PostProcessor is the narrow interface into the Post-Processor the
// dispatcher invokes after a job reaches COMPLETED (spec §4.3 step 6).
type PostProcessor interface {
	ProcessJob(ctx context.Context, job *domain.Job, session *domain.Session) error
}

func New(
	jobs ports.JobRepository,
	sessions ports.SessionRepository,
	blobs ports.BlobStore,
	extractor ports.Extractor,
	limiter ports.Limiter,
	coord SessionTransitioner,
	postProc PostProcessor,
	cfg config.PipelineConfig,
	maxConcurrent int,
	log *logger.Logger,
	met *metrics.Metrics,
) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		jobs:            jobs,
		sessions:        sessions,
		blobs:           blobs,
		extractor:       extractor,
		limiter:         limiter,
		coord:           coord,
		postProc:        postProc,
		pollIntervalMin: cfg.PollIntervalMin,
		pollDeadline:    cfg.PollDeadline,
		maxConcurrent:   maxConcurrent,
		log:             log,
		met:             met,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// SetCoordinator wires the session coordinator after construction, breaking
// the coordinator-needs-dispatcher / dispatcher-needs-coordinator
// initialization cycle between package services and package dispatcher.
func (d *Dispatcher) SetCoordinator(coord SessionTransitioner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.coord = coord
}

// Start launches maxConcurrent worker goroutines pulling from the shared
// dispatch queue; the worker count itself is the concurrency bound named in
// spec §4.3 ("at most maxConcurrent dispatcher workers").
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isRunning {
		return
	}
	d.isRunning = true
	for i := 0; i < d.maxConcurrent; i++ {
		d.wg.Add(1)
		go d.workerLoop(fmt.Sprintf("dispatcher-%s", uuid.NewString()[:8]))
	}
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return
	}
	d.isRunning = false
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// Enqueue pushes one QUEUED job ID onto the shared dispatch queue.
func (d *Dispatcher) Enqueue(ctx context.Context, sessionID, jobID string) error {
	if d.met != nil {
		d.met.JobsQueued.Inc()
	}
	return d.jobs.Enqueue(ctx, sessionID, jobID)
}

// Resume re-enqueues every non-terminal job of a session so a restarted
// process picks up where it left off: QUEUED jobs resubmit cleanly,
// PROCESSING jobs with no operationId resubmit, and POLLING jobs resume
// polling their stored operationId (spec §4.3 "idempotent on re-entry").
func (d *Dispatcher) Resume(ctx context.Context, sessionID string) error {
	jobs, err := d.jobs.ListNonTerminalBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.ParentJobID == "" {
			continue // parent rows are metadata only, never dispatched
		}
		if err := d.jobs.Enqueue(ctx, sessionID, j.ID); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) workerLoop(workerID string) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		jobID, err := d.jobs.Dequeue(d.ctx)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
			continue
		}
		if jobID == "" {
			continue // dequeue timed out with nothing queued
		}

		d.runJob(d.ctx, jobID)
	}
}

// runJob drives one job through as much of the step 1-6 pipeline as its
// current status still requires, so it is safe to call on resumed jobs at
// any non-terminal status (spec §4.3).
func (d *Dispatcher) runJob(ctx context.Context, jobID string) {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil || job == nil || job.Status.IsTerminal() {
		return
	}

	jctx := logger.WithJobID(logger.WithSessionID(ctx, job.SessionID), job.ID)
	deadline, cancel := context.WithTimeout(jctx, d.pollDeadline)
	defer cancel()

	session, err := d.sessions.Get(jctx, job.SessionID)
	if err != nil || session == nil {
		return
	}

	switch job.Status {
	case domain.JobQueued:
		d.runSubmit(deadline, job)
	case domain.JobProcessing:
		if job.OperationID == "" {
			d.runSubmit(deadline, job)
		} else {
			d.runPoll(deadline, job)
		}
	case domain.JobPolling:
		d.runPoll(deadline, job)
	}

	job, err = d.jobs.Get(ctx, jobID)
	if err == nil && job != nil && job.Status.IsTerminal() {
		d.onTerminal(ctx, session, job)
	}
}

// runSubmit executes steps 1-2: acquire a limiter token, submit the page,
// and transition QUEUED/PROCESSING(no operationId) -> POLLING.
func (d *Dispatcher) runSubmit(ctx context.Context, job *domain.Job) {
	session, err := d.sessions.Get(ctx, job.SessionID)
	if err != nil || session == nil {
		d.failJob(ctx, job, pkgerrors.NewNotFound("session "+job.SessionID))
		return
	}

	waitStart := time.Now()
	if err := d.limiter.Acquire(ctx); err != nil {
		d.failJob(ctx, job, pkgerrors.NewExtractorTransient("limiter wait cancelled"))
		return
	}
	if d.log != nil {
		d.log.LogDispatchAcquire(ctx, job.ID, time.Since(waitStart))
	}

	if ok, _ := d.jobs.CompareAndSwapStatus(ctx, job.ID, domain.JobQueued, domain.JobProcessing); ok {
		job.Status = domain.JobProcessing
	}

	payload, err := d.blobs.Get(ctx, job.BlobURL)
	if err != nil {
		d.failJob(ctx, job, pkgerrors.Wrap(err, pkgerrors.StorageUnavailable, "PAGE_FETCH_FAILED", "could not read page payload"))
		return
	}

	var operationID string
	retryErr := retry.Do(
		func() error {
			opID, err := d.extractor.Submit(ctx, session.ModelID, payload)
			if err != nil {
				return err
			}
			operationID = opID
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.MaxDelay(30*time.Second),
		retry.RetryIf(isRetryable),
	)
	if retryErr != nil {
		d.failJob(ctx, job, classify(retryErr))
		return
	}

	job.OperationID = operationID
	job.Status = domain.JobPolling
	if err := d.jobs.Update(ctx, job); err != nil {
		return
	}
	if d.log != nil {
		d.log.LogJobTransition(ctx, job.ID, string(domain.JobProcessing), string(domain.JobPolling))
	}

	d.runPoll(ctx, job)
}

// runPoll executes step 3-4: poll until a terminal provider status, bounded
// by pollDeadline (ctx already carries that deadline) and pollIntervalMin
// cadence, honoring a provider Retry-After hint when present.
func (d *Dispatcher) runPoll(ctx context.Context, job *domain.Job) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			d.failJob(context.Background(), job, pkgerrors.NewPollTimeout(job.ID))
			return
		default:
		}

		if s, err := d.sessions.Get(ctx, job.SessionID); err == nil && s != nil && s.Status == domain.SessionCancelled {
			job.Status = domain.JobCancelled
			_ = d.jobs.Update(context.Background(), job)
			return
		}

		if err := d.limiter.Acquire(ctx); err != nil {
			d.failJob(context.Background(), job, pkgerrors.NewPollTimeout(job.ID))
			return
		}

		var result ports.PollResult
		retryErr := retry.Do(
			func() error {
				r, err := d.extractor.Poll(ctx, job.OperationID)
				result = r
				return err
			},
			retry.Context(ctx),
			retry.Attempts(3),
			retry.Delay(2*time.Second),
			retry.MaxDelay(30*time.Second),
			retry.RetryIf(isRetryable),
		)
		attempt++
		if d.log != nil {
			d.log.LogPollAttempt(ctx, job.ID, job.OperationID, providerStatusLabel(result), attempt)
		}
		if retryErr != nil {
			d.failJob(context.Background(), job, classify(retryErr))
			return
		}

		if result.Done {
			if result.Success {
				d.completeJob(context.Background(), job, result)
			} else if result.Permanent {
				d.failJob(context.Background(), job, pkgerrors.NewExtractorPermanent(result.ErrorDetail))
			} else {
				d.failJob(context.Background(), job, pkgerrors.NewExtractorTransient(result.ErrorDetail))
			}
			return
		}

		wait := d.pollIntervalMin
		if result.RetryAfter > wait {
			wait = result.RetryAfter
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			d.failJob(context.Background(), job, pkgerrors.NewPollTimeout(job.ID))
			return
		}
	}
}

func providerStatusLabel(r ports.PollResult) string {
	if r.Done && r.Success {
		return "succeeded"
	}
	if r.Done {
		return "failed"
	}
	return "running"
}

// completeJob normalizes extracted fields and transitions POLLING ->
// COMPLETED (spec §4.3 step 4, step 6), then fires the post-processor.
func (d *Dispatcher) completeJob(ctx context.Context, job *domain.Job, result ports.PollResult) {
	fields := normalizer.NormalizeFieldMap(result.Fields)
	fields[domain.ConfidenceKey] = domain.Field{Kind: domain.FieldScalar, Confidence: result.Confidence}
	job.ExtractedFields = fields
	job.Status = domain.JobCompleted
	job.Error = ""
	if err := d.jobs.Update(ctx, job); err != nil {
		return
	}
	if d.log != nil {
		d.log.LogJobTransition(ctx, job.ID, string(domain.JobPolling), string(domain.JobCompleted))
	}
	if d.met != nil {
		d.met.JobsProcessedTotal.WithLabelValues("completed").Inc()
	}

	if d.postProc != nil {
		session, err := d.sessions.Get(ctx, job.SessionID)
		if err == nil && session != nil {
			// failure here is non-fatal to the job (spec §4.4): the job
			// stays COMPLETED even if the renamed artifact never gets written.
			_ = d.postProc.ProcessJob(ctx, job, session)
		}
	}
}

// failJob records the error kind and transitions to FAILED without
// consuming further retry budget (spec §4.3 step 5).
func (d *Dispatcher) failJob(ctx context.Context, job *domain.Job, err *pkgerrors.AppError) {
	job.Status = domain.JobFailed
	job.Error = fmt.Sprintf("%s: %s", err.Kind, err.Message)
	_ = d.jobs.Update(ctx, job)
	if d.log != nil {
		d.log.LogJobTransition(ctx, job.ID, "POLLING_OR_PROCESSING", string(domain.JobFailed))
	}
	if d.met != nil {
		d.met.JobsProcessedTotal.WithLabelValues("failed").Inc()
	}
}

// onTerminal increments the session's processedPages counter exactly once
// per job and asks the coordinator to re-evaluate aggregate session state
// (spec §4.1 progress accounting).
func (d *Dispatcher) onTerminal(ctx context.Context, session *domain.Session, job *domain.Job) {
	if _, err := d.sessions.IncrementProcessedPages(ctx, session.ID, 1); err != nil {
		return
	}
	if d.coord != nil {
		_ = d.coord.OnJobTerminal(ctx, session.ID)
	}
}

// isRetryable is retry-go's predicate: retryable extractor/network errors
// consume retry budget (spec §4.3 step 5), permanent ones don't.
func isRetryable(err error) bool {
	if appErr, ok := err.(*pkgerrors.AppError); ok {
		return appErr.Kind == pkgerrors.ExtractorTransient
	}
	return true // unclassified (e.g. raw network) errors are treated as transient
}

func classify(err error) *pkgerrors.AppError {
	if appErr, ok := err.(*pkgerrors.AppError); ok {
		return appErr
	}
	return pkgerrors.Wrap(err, pkgerrors.ExtractorTransient, "EXTRACTOR_ERROR", "extractor call failed")
}
