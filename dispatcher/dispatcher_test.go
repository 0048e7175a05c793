package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"extraction-worker/config"
	"extraction-worker/internal/core/domain"
	"extraction-worker/internal/core/ports"
)

type fakeJobRepo struct {
	jobs     map[string]*domain.Job
	enqueued []string
}

func newFakeJobRepo() *fakeJobRepo { return &fakeJobRepo{jobs: make(map[string]*domain.Job)} }

func (f *fakeJobRepo) CreateMany(ctx context.Context, jobs []*domain.Job) error { return nil }
func (f *fakeJobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	return f.jobs[id], nil
}
func (f *fakeJobRepo) Update(ctx context.Context, j *domain.Job) error {
	f.jobs[j.ID] = j
	return nil
}
func (f *fakeJobRepo) CompareAndSwapStatus(ctx context.Context, id string, from, to domain.JobStatus) (bool, error) {
	j, ok := f.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = to
	return true, nil
}
func (f *fakeJobRepo) ListBySession(ctx context.Context, sessionID string) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range f.jobs {
		if j.SessionID == sessionID {
			out = append(out, j)
		}
	}
	return out, nil
}
func (f *fakeJobRepo) Enqueue(ctx context.Context, sessionID, jobID string) error {
	f.enqueued = append(f.enqueued, jobID)
	return nil
}
func (f *fakeJobRepo) Dequeue(ctx context.Context) (string, error) { return "", nil }
func (f *fakeJobRepo) ListNonTerminalBySession(ctx context.Context, sessionID string) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range f.jobs {
		if j.SessionID == sessionID && !j.Status.IsTerminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

type fakeSessionRepo struct {
	sessions  map[string]*domain.Session
	processed map[string]int
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*domain.Session), processed: make(map[string]int)}
}
func (f *fakeSessionRepo) Create(ctx context.Context, s *domain.Session) error {
	f.sessions[s.ID] = s
	return nil
}
func (f *fakeSessionRepo) Get(ctx context.Context, id string) (*domain.Session, error) {
	return f.sessions[id], nil
}
func (f *fakeSessionRepo) CompareAndSwapStatus(ctx context.Context, id string, from, to domain.SessionStatus) (bool, error) {
	return false, nil
}
func (f *fakeSessionRepo) IncrementProcessedPages(ctx context.Context, id string, delta int) (int, error) {
	f.processed[id] += delta
	return f.processed[id], nil
}
func (f *fakeSessionRepo) SetZipURL(ctx context.Context, id, zipURL string) error { return nil }
func (f *fakeSessionRepo) SetPostProcessingWindow(ctx context.Context, id string, startedAt, finishedAt *time.Time, postProcessedCount int) error {
	return nil
}
func (f *fakeSessionRepo) ListExpirable(ctx context.Context, asOf time.Time) ([]*domain.Session, error) {
	return nil, nil
}
func (f *fakeSessionRepo) UpdateExpiresAt(ctx context.Context, id string, expiresAt time.Time) error {
	return nil
}

type fakeBlobStore struct{ blobs map[string][]byte }

func newFakeBlobStore() *fakeBlobStore { return &fakeBlobStore{blobs: make(map[string][]byte)} }
func (f *fakeBlobStore) Put(ctx context.Context, path string, data []byte, meta map[string]string) error {
	f.blobs[path] = data
	return nil
}
func (f *fakeBlobStore) Get(ctx context.Context, path string) ([]byte, error) {
	return f.blobs[path], nil
}
func (f *fakeBlobStore) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}
func (f *fakeBlobStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	return 0, nil
}
func (f *fakeBlobStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	return "", nil
}

type fakeExtractor struct {
	submitErr error
	opID      string
	polls     []ports.PollResult
	pollIdx   int
}

func (f *fakeExtractor) Submit(ctx context.Context, modelID string, page []byte) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.opID, nil
}
func (f *fakeExtractor) Poll(ctx context.Context, operationID string) (ports.PollResult, error) {
	if f.pollIdx >= len(f.polls) {
		return f.polls[len(f.polls)-1], nil
	}
	r := f.polls[f.pollIdx]
	f.pollIdx++
	return r, nil
}

type fakeLimiter struct{}

func (fakeLimiter) Acquire(ctx context.Context) error { return nil }

type fakeCoordinator struct{ notified []string }

func (f *fakeCoordinator) OnJobTerminal(ctx context.Context, sessionID string) error {
	f.notified = append(f.notified, sessionID)
	return nil
}

type fakePostProcessor struct{ processed []string }

func (f *fakePostProcessor) ProcessJob(ctx context.Context, job *domain.Job, session *domain.Session) error {
	f.processed = append(f.processed, job.ID)
	return nil
}

func newTestDispatcher(jobs *fakeJobRepo, sessions *fakeSessionRepo, blobs *fakeBlobStore, extractor *fakeExtractor, coord *fakeCoordinator, postProc *fakePostProcessor) *Dispatcher {
	cfg := config.PipelineConfig{PollIntervalMin: time.Millisecond, PollDeadline: 5 * time.Second}
	return New(jobs, sessions, blobs, extractor, fakeLimiter{}, coord, postProc, cfg, 1, nil, nil)
}

func TestRunJobSubmitAndPollToCompleted(t *testing.T) {
	ctx := context.Background()
	jobs := newFakeJobRepo()
	sessions := newFakeSessionRepo()
	blobs := newFakeBlobStore()
	coord := &fakeCoordinator{}
	postProc := &fakePostProcessor{}

	sessions.sessions["s1"] = &domain.Session{ID: "s1", ModelID: "default"}
	blobs.blobs["pages/a-1.pdf"] = []byte("page-bytes")
	job := &domain.Job{ID: "job-1", SessionID: "s1", Status: domain.JobQueued, BlobURL: "pages/a-1.pdf"}
	jobs.jobs["job-1"] = job

	extractor := &fakeExtractor{
		opID: "op-1",
		polls: []ports.PollResult{
			{Done: true, Success: true, Confidence: 0.87, Fields: map[string]interface{}{"Company": "Acme"}},
		},
	}

	d := newTestDispatcher(jobs, sessions, blobs, extractor, coord, postProc)
	d.runJob(ctx, "job-1")

	got := jobs.jobs["job-1"]
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 0.87, got.ExtractedFields[domain.ConfidenceKey].Confidence)
	assert.Equal(t, 1, sessions.processed["s1"])
	assert.Equal(t, []string{"s1"}, coord.notified)
	assert.Equal(t, []string{"job-1"}, postProc.processed)
}

func TestRunJobPermanentFailureSetsFailedStatus(t *testing.T) {
	ctx := context.Background()
	jobs := newFakeJobRepo()
	sessions := newFakeSessionRepo()
	blobs := newFakeBlobStore()
	coord := &fakeCoordinator{}

	sessions.sessions["s1"] = &domain.Session{ID: "s1"}
	blobs.blobs["pages/a-1.pdf"] = []byte("page-bytes")
	job := &domain.Job{ID: "job-1", SessionID: "s1", Status: domain.JobQueued, BlobURL: "pages/a-1.pdf"}
	jobs.jobs["job-1"] = job

	extractor := &fakeExtractor{
		opID: "op-1",
		polls: []ports.PollResult{
			{Done: true, Success: false, Permanent: true, ErrorDetail: "bad page"},
		},
	}

	d := newTestDispatcher(jobs, sessions, blobs, extractor, coord, nil)
	d.runJob(ctx, "job-1")

	got := jobs.jobs["job-1"]
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Contains(t, got.Error, "EXTRACTOR_PERMANENT")
	assert.Equal(t, 1, sessions.processed["s1"])
	assert.Equal(t, []string{"s1"}, coord.notified)
}

func TestRunJobResumesPollingJobWithExistingOperationID(t *testing.T) {
	ctx := context.Background()
	jobs := newFakeJobRepo()
	sessions := newFakeSessionRepo()
	blobs := newFakeBlobStore()
	coord := &fakeCoordinator{}

	sessions.sessions["s1"] = &domain.Session{ID: "s1"}
	job := &domain.Job{ID: "job-1", SessionID: "s1", Status: domain.JobPolling, OperationID: "op-existing"}
	jobs.jobs["job-1"] = job

	extractor := &fakeExtractor{
		polls: []ports.PollResult{
			{Done: true, Success: true, Fields: map[string]interface{}{}},
		},
	}

	d := newTestDispatcher(jobs, sessions, blobs, extractor, coord, nil)
	d.runJob(ctx, "job-1")

	assert.Equal(t, domain.JobCompleted, jobs.jobs["job-1"].Status)
}

func TestRunJobNoopOnTerminalJob(t *testing.T) {
	ctx := context.Background()
	jobs := newFakeJobRepo()
	jobs.jobs["job-1"] = &domain.Job{ID: "job-1", SessionID: "s1", Status: domain.JobCompleted}
	sessions := newFakeSessionRepo()
	sessions.sessions["s1"] = &domain.Session{ID: "s1"}

	d := newTestDispatcher(jobs, sessions, newFakeBlobStore(), &fakeExtractor{}, &fakeCoordinator{}, nil)
	d.runJob(ctx, "job-1")

	assert.Equal(t, domain.JobCompleted, jobs.jobs["job-1"].Status)
}

func TestResumeEnqueuesOnlyChildJobs(t *testing.T) {
	ctx := context.Background()
	jobs := newFakeJobRepo()
	jobs.jobs["parent"] = &domain.Job{ID: "parent", SessionID: "s1", Status: domain.JobQueued, PageCount: 1}
	jobs.jobs["child"] = &domain.Job{ID: "child", SessionID: "s1", ParentJobID: "parent", Status: domain.JobQueued}

	d := newTestDispatcher(jobs, newFakeSessionRepo(), newFakeBlobStore(), &fakeExtractor{}, &fakeCoordinator{}, nil)
	require.NoError(t, d.Resume(ctx, "s1"))

	assert.Equal(t, []string{"child"}, jobs.enqueued)
}

func TestEnqueueDelegatesToJobRepository(t *testing.T) {
	ctx := context.Background()
	jobs := newFakeJobRepo()
	d := newTestDispatcher(jobs, newFakeSessionRepo(), newFakeBlobStore(), &fakeExtractor{}, &fakeCoordinator{}, nil)

	require.NoError(t, d.Enqueue(ctx, "s1", "job-1"))
	assert.Equal(t, []string{"job-1"}, jobs.enqueued)
}

func TestProviderStatusLabel(t *testing.T) {
	assert.Equal(t, "succeeded", providerStatusLabel(ports.PollResult{Done: true, Success: true}))
	assert.Equal(t, "failed", providerStatusLabel(ports.PollResult{Done: true, Success: false}))
	assert.Equal(t, "running", providerStatusLabel(ports.PollResult{Done: false}))
}
