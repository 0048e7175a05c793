package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"extraction-worker/internal/core/domain"
	"extraction-worker/lifecycle"
)

type fakeSessionRepo struct {
	sessions map[string]*domain.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*domain.Session)}
}

func (f *fakeSessionRepo) Create(ctx context.Context, s *domain.Session) error {
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeSessionRepo) Get(ctx context.Context, id string) (*domain.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionRepo) CompareAndSwapStatus(ctx context.Context, id string, from, to domain.SessionStatus) (bool, error) {
	s, ok := f.sessions[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	return true, nil
}

func (f *fakeSessionRepo) IncrementProcessedPages(ctx context.Context, id string, delta int) (int, error) {
	s := f.sessions[id]
	s.ProcessedPages += delta
	return s.ProcessedPages, nil
}

func (f *fakeSessionRepo) SetZipURL(ctx context.Context, id, zipURL string) error {
	f.sessions[id].ZipURL = zipURL
	return nil
}

func (f *fakeSessionRepo) SetPostProcessingWindow(ctx context.Context, id string, startedAt, finishedAt *time.Time, postProcessedCount int) error {
	return nil
}

func (f *fakeSessionRepo) ListExpirable(ctx context.Context, asOf time.Time) ([]*domain.Session, error) {
	var out []*domain.Session
	for _, s := range f.sessions {
		if !s.ExpiresAt.After(asOf) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) UpdateExpiresAt(ctx context.Context, id string, expiresAt time.Time) error {
	f.sessions[id].ExpiresAt = expiresAt
	return nil
}

type fakeJobRepo struct {
	jobs map[string][]*domain.Job
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string][]*domain.Job)}
}

func (f *fakeJobRepo) CreateMany(ctx context.Context, jobs []*domain.Job) error { return nil }
func (f *fakeJobRepo) Get(ctx context.Context, id string) (*domain.Job, error)  { return nil, nil }
func (f *fakeJobRepo) Update(ctx context.Context, j *domain.Job) error          { return nil }
func (f *fakeJobRepo) CompareAndSwapStatus(ctx context.Context, id string, from, to domain.JobStatus) (bool, error) {
	return false, nil
}
func (f *fakeJobRepo) ListBySession(ctx context.Context, sessionID string) ([]*domain.Job, error) {
	return f.jobs[sessionID], nil
}
func (f *fakeJobRepo) Enqueue(ctx context.Context, sessionID, jobID string) error { return nil }
func (f *fakeJobRepo) Dequeue(ctx context.Context) (string, error)                { return "", nil }
func (f *fakeJobRepo) ListNonTerminalBySession(ctx context.Context, sessionID string) ([]*domain.Job, error) {
	return nil, nil
}

type fakeBlobStore struct{ deleted []string }

func (f *fakeBlobStore) Put(ctx context.Context, path string, data []byte, meta map[string]string) error {
	return nil
}
func (f *fakeBlobStore) Get(ctx context.Context, path string) ([]byte, error) { return nil, nil }
func (f *fakeBlobStore) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}
func (f *fakeBlobStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	f.deleted = append(f.deleted, prefix)
	return 0, nil
}
func (f *fakeBlobStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	return "", nil
}

type fakeCleanupLogRepo struct{ logs []*domain.CleanupLog }

func (f *fakeCleanupLogRepo) Append(ctx context.Context, log *domain.CleanupLog) error {
	f.logs = append(f.logs, log)
	return nil
}

func newTestCLI() (*CLI, *fakeSessionRepo, *fakeJobRepo) {
	sessions := newFakeSessionRepo()
	jobs := newFakeJobRepo()
	mgr := lifecycle.New(sessions, jobs, &fakeBlobStore{}, &fakeCleanupLogRepo{}, nil, nil)
	return NewCLI(sessions, jobs, mgr), sessions, jobs
}

func TestRootCommandHasSubcommands(t *testing.T) {
	c, _, _ := newTestCLI()
	root := c.GetRootCommand()

	names := map[string]bool{}
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	assert.True(t, names["cleanup"])
	assert.True(t, names["session"])
}

func TestCleanupRun(t *testing.T) {
	c, sessions, _ := newTestCLI()
	sessions.sessions["sess-1"] = &domain.Session{
		ID:        "sess-1",
		Status:    domain.SessionProcessing,
		ExpiresAt: time.Now().UTC().Add(-time.Hour), // already overdue
	}

	root := c.GetRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetArgs([]string{"cleanup", "run"})

	assert.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "processed 1")
	assert.Equal(t, domain.SessionExpired, sessions.sessions["sess-1"].Status)
}

func TestSessionStatus(t *testing.T) {
	c, sessions, jobs := newTestCLI()
	sessions.sessions["sess-2"] = &domain.Session{ID: "sess-2", Status: domain.SessionCompleted, TotalPages: 2, ProcessedPages: 2}
	jobs.jobs["sess-2"] = []*domain.Job{{ID: "job-1", SessionID: "sess-2", Status: domain.JobCompleted}}

	root := c.GetRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetArgs([]string{"session", "status", "sess-2"})

	assert.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "\"sess-2\"")
	assert.Contains(t, buf.String(), "job-1")
}

func TestSessionStatusNotFound(t *testing.T) {
	c, _, _ := newTestCLI()
	root := c.GetRootCommand()
	root.SetArgs([]string{"session", "status", "missing"})
	root.SilenceUsage = true
	root.SilenceErrors = true

	assert.Error(t, root.Execute())
}

func TestSessionSpeedup(t *testing.T) {
	c, sessions, _ := newTestCLI()
	sessions.sessions["sess-3"] = &domain.Session{ID: "sess-3", Status: domain.SessionProcessing, ExpiresAt: time.Now().UTC().Add(time.Hour)}

	root := c.GetRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetArgs([]string{"session", "speedup", "sess-3", "1h"})

	assert.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "now expires at")
	assert.True(t, sessions.sessions["sess-3"].ExpiresAt.After(time.Now().UTC().Add(30*time.Minute)))
}
