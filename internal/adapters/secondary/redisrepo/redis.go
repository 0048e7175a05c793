// Package redisrepo implements the session/job/cleanup-log persistence
// ports on top of Redis, adapted from the teacher's queue/redis.go
// BRPOP-based job queue: the same connection, key-naming and dequeue idiom,
// repurposed to carry Session/Job rows plus a per-process dispatch queue
// instead of generic media-processing jobs. Status changes use Redis WATCH
// transactions for compare-and-set instead of unconditional overwrites.
package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"extraction-worker/internal/core/domain"
	"extraction-worker/internal/core/ports"
)

const (
	sessionKeyPrefix  = "session:"
	jobKeyPrefix      = "job:"
	sessionJobsSetFmt = "session:%s:jobs"
	dispatchQueueKey  = "jobs:dispatch_queue"
	expirableIndexKey = "sessions:expirable"
	rowTTL            = 48 * time.Hour
)

// Client opens the connection the three repositories below share.
type Client struct {
	rdb *redis.Client
}

func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error { return c.rdb.Close() }

// Ping checks connectivity for health endpoints.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// --- SessionRepository ---

type SessionRepository struct{ rdb *redis.Client }

func NewSessionRepository(c *Client) *SessionRepository {
	return &SessionRepository{rdb: c.rdb}
}

var _ ports.SessionRepository = (*SessionRepository)(nil)

func sessionKey(id string) string { return sessionKeyPrefix + id }

func (r *SessionRepository) Create(ctx context.Context, s *domain.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(s.ID), data, rowTTL)
	pipe.ZAdd(ctx, expirableIndexKey, redis.Z{Score: float64(s.ExpiresAt.Unix()), Member: s.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	data, err := r.rdb.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CompareAndSwapStatus uses Redis WATCH so concurrent coordinator/dispatcher
// paths never double-transition the same session (spec §5 shared-resource
// policy).
func (r *SessionRepository) CompareAndSwapStatus(ctx context.Context, id string, from, to domain.SessionStatus) (bool, error) {
	key := sessionKey(id)
	applied := false
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		var s domain.Session
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s.Status != from {
			return nil // already moved on; not an error, just no-op
		}
		s.Status = to
		updated, err := json.Marshal(&s)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, rowTTL)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}, key)
	if err != nil {
		return false, err
	}
	return applied, nil
}

// IncrementProcessedPages atomically bumps processedPages under WATCH,
// enforcing the "no job counted twice" invariant (spec §4.1).
func (r *SessionRepository) IncrementProcessedPages(ctx context.Context, id string, delta int) (int, error) {
	key := sessionKey(id)
	var newValue int
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		var s domain.Session
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s.ProcessedPages += delta
		if s.ProcessedPages > s.TotalPages {
			s.ProcessedPages = s.TotalPages
		}
		newValue = s.ProcessedPages
		updated, err := json.Marshal(&s)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, rowTTL)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return 0, err
	}
	return newValue, nil
}

func (r *SessionRepository) SetZipURL(ctx context.Context, id, zipURL string) error {
	return r.mutate(ctx, id, func(s *domain.Session) { s.ZipURL = zipURL })
}

func (r *SessionRepository) SetPostProcessingWindow(ctx context.Context, id string, startedAt, finishedAt *time.Time, postProcessedCount int) error {
	return r.mutate(ctx, id, func(s *domain.Session) {
		if startedAt != nil {
			s.PostProcessingStartedAt = startedAt
		}
		if finishedAt != nil {
			s.PostProcessingFinishedAt = finishedAt
		}
		s.PostProcessedCount = postProcessedCount
	})
}

func (r *SessionRepository) UpdateExpiresAt(ctx context.Context, id string, expiresAt time.Time) error {
	if err := r.mutate(ctx, id, func(s *domain.Session) { s.ExpiresAt = expiresAt }); err != nil {
		return err
	}
	return r.rdb.ZAdd(ctx, expirableIndexKey, redis.Z{Score: float64(expiresAt.Unix()), Member: id}).Err()
}

func (r *SessionRepository) mutate(ctx context.Context, id string, fn func(*domain.Session)) error {
	key := sessionKey(id)
	return r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		var s domain.Session
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		fn(&s)
		updated, err := json.Marshal(&s)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, rowTTL)
			return nil
		})
		return err
	}, key)
}

// ListExpirable returns sessions whose expiresAt has already passed, for
// the lifecycle manager's startup scan (spec §4.7).
func (r *SessionRepository) ListExpirable(ctx context.Context, asOf time.Time) ([]*domain.Session, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, expirableIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", asOf.Unix()),
	}).Result()
	if err != nil {
		return nil, err
	}
	sessions := make([]*domain.Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil || s == nil {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// --- JobRepository ---

type JobRepository struct{ rdb *redis.Client }

func NewJobRepository(c *Client) *JobRepository {
	return &JobRepository{rdb: c.rdb}
}

var _ ports.JobRepository = (*JobRepository)(nil)

func jobKey(id string) string          { return jobKeyPrefix + id }
func sessionJobsKey(sid string) string { return fmt.Sprintf(sessionJobsSetFmt, sid) }

func (r *JobRepository) CreateMany(ctx context.Context, jobs []*domain.Job) error {
	pipe := r.rdb.TxPipeline()
	for _, j := range jobs {
		data, err := json.Marshal(j)
		if err != nil {
			return err
		}
		pipe.Set(ctx, jobKey(j.ID), data, rowTTL)
		pipe.SAdd(ctx, sessionJobsKey(j.SessionID), j.ID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *JobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	data, err := r.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var j domain.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JobRepository) Update(ctx context.Context, j *domain.Job) error {
	j.UpdatedAt = time.Now()
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, jobKey(j.ID), data, rowTTL).Err()
}

func (r *JobRepository) CompareAndSwapStatus(ctx context.Context, id string, from, to domain.JobStatus) (bool, error) {
	key := jobKey(id)
	applied := false
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		var j domain.Job
		if err := json.Unmarshal(data, &j); err != nil {
			return err
		}
		if j.Status != from {
			return nil
		}
		j.Status = to
		j.UpdatedAt = time.Now()
		updated, err := json.Marshal(&j)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, rowTTL)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}, key)
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *JobRepository) ListBySession(ctx context.Context, sessionID string) ([]*domain.Job, error) {
	ids, err := r.rdb.SMembers(ctx, sessionJobsKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		j, err := r.Get(ctx, id)
		if err != nil || j == nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (r *JobRepository) ListNonTerminalBySession(ctx context.Context, sessionID string) ([]*domain.Job, error) {
	all, err := r.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Job, 0, len(all))
	for _, j := range all {
		if !j.Status.IsTerminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *JobRepository) Enqueue(ctx context.Context, sessionID, jobID string) error {
	return r.rdb.LPush(ctx, dispatchQueueKey, jobID).Err()
}

// Dequeue blocks on BRPOP, bounded to a few seconds at a time so ctx
// cancellation is observed promptly even though go-redis's BRPop itself
// blocks on the connection (mirrors the teacher's queue.Dequeue idiom).
func (r *JobRepository) Dequeue(ctx context.Context) (string, error) {
	result, err := r.rdb.BRPop(ctx, 5*time.Second, dispatchQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", nil
		}
		return "", err
	}
	if len(result) < 2 {
		return "", nil
	}
	return result[1], nil
}

// --- CleanupLogRepository ---

type CleanupLogRepository struct{ rdb *redis.Client }

func NewCleanupLogRepository(c *Client) *CleanupLogRepository {
	return &CleanupLogRepository{rdb: c.rdb}
}

var _ ports.CleanupLogRepository = (*CleanupLogRepository)(nil)

func (r *CleanupLogRepository) Append(ctx context.Context, log *domain.CleanupLog) error {
	data, err := json.Marshal(log)
	if err != nil {
		return err
	}
	return r.rdb.RPush(ctx, "cleanup:log", data).Err()
}
