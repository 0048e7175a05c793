// Package lifecycle implements the Lifecycle Manager (spec §4.7): holds a
// durable schedule of (sessionId, expiresAt) pairs, scans for overdue
// sessions on startup, and arms per-session timers for future expirations.
// Adapted from the teacher's worker/manager.go ticker-driven supervisory
// loop, generalized from dynamic worker-pool scaling to expiry scheduling.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"extraction-worker/internal/core/domain"
	"extraction-worker/internal/core/ports"
	"extraction-worker/pkg/logger"
	"extraction-worker/pkg/metrics"
)

const scanInterval = time.Minute
const cleanupLogIDLayout = "20060102T150405.000000000"

// Manager owns the expiry timer set and runs cleanup passes.
type Manager struct {
	sessions ports.SessionRepository
	jobs     ports.JobRepository
	blobs    ports.BlobStore
	cleanup  ports.CleanupLogRepository

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	log *logger.Logger
	met *metrics.Metrics
}

func New(
	sessions ports.SessionRepository,
	jobs ports.JobRepository,
	blobs ports.BlobStore,
	cleanup ports.CleanupLogRepository,
	log *logger.Logger,
	met *metrics.Metrics,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions: sessions,
		jobs:     jobs,
		blobs:    blobs,
		cleanup:  cleanup,
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
		log:      log,
		met:      met,
	}
}

// Start runs the startup scan and begins the periodic rescan loop that
// arms timers for sessions discovered since the last pass.
func (m *Manager) Start() error {
	if err := m.scanAndArm(m.ctx); err != nil {
		return err
	}
	m.wg.Add(1)
	go m.rescanLoop()
	return nil
}

func (m *Manager) Stop() {
	m.cancel()
	m.timersMu.Lock()
	for _, t := range m.timers {
		t.Stop()
	}
	m.timersMu.Unlock()
	m.wg.Wait()
}

func (m *Manager) rescanLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			_ = m.scanAndArm(m.ctx)
		}
	}
}

// scanAndArm lists expirable sessions, runs cleanup immediately for any
// already past due, and arms a one-shot timer for the rest (spec §4.7
// "scans for sessions whose expiresAt is past and processes them
// immediately; it then arms timers for future expirations").
func (m *Manager) scanAndArm(ctx context.Context) error {
	now := time.Now().UTC()
	sessions, err := m.sessions.ListExpirable(ctx, now.Add(24*time.Hour))
	if err != nil {
		return err
	}

	for _, s := range sessions {
		if s.Status.IsTerminal() {
			continue
		}
		if !s.ExpiresAt.After(now) {
			m.runCleanup(ctx, s.ID)
			continue
		}
		m.arm(s.ID, s.ExpiresAt)
	}
	return nil
}

func (m *Manager) arm(sessionID string, expiresAt time.Time) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()

	if existing, ok := m.timers[sessionID]; ok {
		existing.Stop()
	}
	delay := time.Until(expiresAt)
	if delay < 0 {
		delay = 0
	}
	m.timers[sessionID] = time.AfterFunc(delay, func() {
		m.runCleanup(context.Background(), sessionID)
	})
}

// runCleanup performs one idempotent cleanup pass for a session (spec
// §4.7): mark EXPIRED, delete blobs under blobPrefix, mark non-terminal
// jobs EXPIRED, append a CleanupLog row.
func (m *Manager) runCleanup(ctx context.Context, sessionID string) {
	started := time.Now().UTC()

	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil || session == nil {
		return
	}
	if session.Status.IsTerminal() {
		return // already cleaned up by a prior pass; tolerates re-arming races
	}

	sessionsExpired := 0
	if ok, _ := m.sessions.CompareAndSwapStatus(ctx, sessionID, session.Status, domain.SessionExpired); ok {
		sessionsExpired = 1
	}

	blobsDeleted, err := m.blobs.DeleteByPrefix(ctx, session.BlobPrefix)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	jobs, err := m.jobs.ListNonTerminalBySession(ctx, sessionID)
	jobsExpired := 0
	if err == nil {
		for _, j := range jobs {
			j.Status = domain.JobExpired
			if updateErr := m.jobs.Update(ctx, j); updateErr == nil {
				jobsExpired++
			}
		}
	}

	completed := time.Now().UTC()
	status := "OK"
	if errMsg != "" {
		status = "PARTIAL"
	}
	logRow := &domain.CleanupLog{
		ID:              sessionID + "-" + completed.Format(cleanupLogIDLayout),
		StartedAt:       started,
		CompletedAt:     completed,
		SessionsExpired: sessionsExpired,
		JobsExpired:     jobsExpired,
		BlobsDeleted:    blobsDeleted,
		Status:          status,
		Errors:          errMsg,
	}
	_ = m.cleanup.Append(ctx, logRow)

	m.timersMu.Lock()
	delete(m.timers, sessionID)
	m.timersMu.Unlock()

	if m.log != nil {
		m.log.LogCleanupRun(ctx, sessionsExpired, jobsExpired, blobsDeleted, completed.Sub(started))
	}
	if m.met != nil {
		m.met.RecordCleanupRun(sessionsExpired, blobsDeleted)
	}
}

// RunOnce performs a single immediate scan-and-cleanup pass and returns the
// number of overdue sessions it processed. It is the operator-triggered
// counterpart to the rescan loop, driven by cmd/sessionctl's `cleanup run`.
func (m *Manager) RunOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	sessions, err := m.sessions.ListExpirable(ctx, now)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, s := range sessions {
		if s.Status.IsTerminal() || s.ExpiresAt.After(now) {
			continue
		}
		m.runCleanup(ctx, s.ID)
		processed++
	}
	return processed, nil
}

// SpeedUpExpiration updates a session's persisted expiry and re-arms its
// timer without producing a duplicate cleanup run (spec §4.7, a test hook).
func (m *Manager) SpeedUpExpiration(ctx context.Context, sessionID string, newExpiresAt time.Time) error {
	if err := m.sessions.UpdateExpiresAt(ctx, sessionID, newExpiresAt); err != nil {
		return err
	}
	if !newExpiresAt.After(time.Now().UTC()) {
		m.runCleanup(ctx, sessionID)
		return nil
	}
	m.arm(sessionID, newExpiresAt)
	return nil
}
