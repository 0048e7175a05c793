package redisrepo

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"extraction-worker/internal/core/domain"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSessionRepositoryCreateGet(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestClient(t))

	s := &domain.Session{
		ID:         "sess-1",
		UserID:     "user-1",
		Status:     domain.SessionUploading,
		TotalFiles: 2,
		TotalPages: 5,
		BlobPrefix: "users/user-1/sessions/sess-1",
		ExpiresAt:  time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, repo.Create(ctx, s))

	got, err := repo.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, s.UserID, got.UserID)
	assert.Equal(t, s.Status, got.Status)
	assert.Equal(t, s.TotalPages, got.TotalPages)
}

func TestSessionRepositoryGetMissing(t *testing.T) {
	repo := NewSessionRepository(newTestClient(t))
	got, err := repo.Get(context.Background(), "does-not-exist")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionRepositoryCompareAndSwapStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestClient(t))

	s := &domain.Session{ID: "sess-2", Status: domain.SessionUploading, ExpiresAt: time.Now().UTC().Add(time.Hour)}
	require.NoError(t, repo.Create(ctx, s))

	ok, err := repo.CompareAndSwapStatus(ctx, "sess-2", domain.SessionUploading, domain.SessionProcessing)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Get(ctx, "sess-2")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionProcessing, got.Status)

	// stale "from" no longer matches: no-op, not an error.
	ok, err = repo.CompareAndSwapStatus(ctx, "sess-2", domain.SessionUploading, domain.SessionFailed)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionRepositoryIncrementProcessedPagesClampsAtTotal(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestClient(t))

	s := &domain.Session{ID: "sess-3", TotalPages: 3, ExpiresAt: time.Now().UTC().Add(time.Hour)}
	require.NoError(t, repo.Create(ctx, s))

	n, err := repo.IncrementProcessedPages(ctx, "sess-3", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.IncrementProcessedPages(ctx, "sess-3", 5)
	require.NoError(t, err)
	assert.Equal(t, 3, n) // clamped to totalPages
}

func TestSessionRepositoryListExpirable(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestClient(t))

	now := time.Now().UTC()
	past := &domain.Session{ID: "sess-past", ExpiresAt: now.Add(-time.Hour)}
	future := &domain.Session{ID: "sess-future", ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, repo.Create(ctx, past))
	require.NoError(t, repo.Create(ctx, future))

	expirable, err := repo.ListExpirable(ctx, now)
	require.NoError(t, err)
	ids := make([]string, 0, len(expirable))
	for _, s := range expirable {
		ids = append(ids, s.ID)
	}
	assert.Contains(t, ids, "sess-past")
	assert.NotContains(t, ids, "sess-future")
}

func TestSessionRepositoryUpdateExpiresAt(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository(newTestClient(t))

	s := &domain.Session{ID: "sess-4", ExpiresAt: time.Now().UTC().Add(time.Hour)}
	require.NoError(t, repo.Create(ctx, s))

	newExpiry := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, repo.UpdateExpiresAt(ctx, "sess-4", newExpiry))

	got, err := repo.Get(ctx, "sess-4")
	require.NoError(t, err)
	assert.WithinDuration(t, newExpiry, got.ExpiresAt, time.Second)

	expirable, err := repo.ListExpirable(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, expirable, 1)
	assert.Equal(t, "sess-4", expirable[0].ID)
}

func TestJobRepositoryCreateManyAndListBySession(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	repo := NewJobRepository(client)

	jobs := []*domain.Job{
		{ID: "job-1", SessionID: "sess-5", Status: domain.JobQueued, SplitPageNumber: 1},
		{ID: "job-2", SessionID: "sess-5", Status: domain.JobCompleted, SplitPageNumber: 2},
	}
	require.NoError(t, repo.CreateMany(ctx, jobs))

	all, err := repo.ListBySession(ctx, "sess-5")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	nonTerminal, err := repo.ListNonTerminalBySession(ctx, "sess-5")
	require.NoError(t, err)
	require.Len(t, nonTerminal, 1)
	assert.Equal(t, "job-1", nonTerminal[0].ID)
}

func TestJobRepositoryCompareAndSwapStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestClient(t))

	require.NoError(t, repo.CreateMany(ctx, []*domain.Job{{ID: "job-3", SessionID: "sess-6", Status: domain.JobQueued}}))

	ok, err := repo.CompareAndSwapStatus(ctx, "job-3", domain.JobQueued, domain.JobProcessing)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Get(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, got.Status)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestJobRepositoryUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestClient(t))

	j := &domain.Job{ID: "job-4", SessionID: "sess-7", Status: domain.JobQueued}
	require.NoError(t, repo.CreateMany(ctx, []*domain.Job{j}))

	j.Status = domain.JobFailed
	j.Error = "boom"
	require.NoError(t, repo.Update(ctx, j))

	got, err := repo.Get(ctx, "job-4")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
}

func TestJobRepositoryEnqueueDequeue(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestClient(t))

	require.NoError(t, repo.Enqueue(ctx, "sess-8", "job-5"))

	id, err := repo.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-5", id)
}

func TestJobRepositoryDequeueEmptyReturnsNoError(t *testing.T) {
	repo := NewJobRepository(newTestClient(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	id, err := repo.Dequeue(ctx)
	assert.NoError(t, err)
	assert.Empty(t, id)
}

func TestCleanupLogRepositoryAppend(t *testing.T) {
	ctx := context.Background()
	repo := NewCleanupLogRepository(newTestClient(t))

	log := &domain.CleanupLog{
		ID:              "log-1",
		StartedAt:       time.Now().UTC(),
		CompletedAt:     time.Now().UTC(),
		SessionsExpired: 1,
		JobsExpired:     2,
		BlobsDeleted:    3,
		Status:          "OK",
	}
	assert.NoError(t, repo.Append(ctx, log))
}
