package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/curio/internal/queue"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// JobStore is the Postgres queue backend. Claims use FOR UPDATE SKIP LOCKED
// so any number of workers can poll the same queue.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore creates a new JobStore.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

const jobColumns = `id, queue, idempotency_key, kind, payload, status, attempts, max_attempts,
	backoff_type, backoff_delay_ms, priority, run_at, locked_until, last_error, result,
	started_at, finished_at, created_at, updated_at`

func scanJob(row scanner) (*models.JobRecord, error) {
	var j models.JobRecord
	var payload, result []byte
	var delayMS int64
	if err := row.Scan(&j.ID, &j.Queue, &j.IdempotencyKey, &j.Kind, &payload, &j.Status, &j.Attempts,
		&j.MaxAttempts, &j.Backoff.Type, &delayMS, &j.Priority, &j.RunAt, &j.LockedUntil, &j.LastError,
		&result, &j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Payload = payload
	j.Backoff.Delay = time.Duration(delayMS) * time.Millisecond
	if len(result) > 0 {
		var r models.JobResult
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
		j.Result = &r
	}
	return &j, nil
}

// insertAttempts bounds the insert/lookup loop when the active record
// finishes between the two statements.
const insertAttempts = 3

func (s *JobStore) Insert(ctx context.Context, job *models.JobRecord) (*models.JobRecord, bool, error) {
	for i := 0; i < insertAttempts; i++ {
		rec, err := scanJob(s.pool.QueryRow(ctx,
			`INSERT INTO jobs (id, queue, idempotency_key, kind, payload, status, attempts, max_attempts,
			   backoff_type, backoff_delay_ms, priority, run_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (queue, idempotency_key) WHERE status IN ('pending', 'running') DO NOTHING
			 RETURNING `+jobColumns,
			job.ID, job.Queue, job.IdempotencyKey, string(job.Kind), []byte(job.Payload), job.Status,
			job.MaxAttempts, job.Backoff.Type, job.Backoff.Delay.Milliseconds(), job.Priority,
			job.RunAt, job.CreatedAt, job.UpdatedAt))
		if err == nil {
			return rec, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("insert job: %w", err)
		}

		existing, err := scanJob(s.pool.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE queue = $1 AND idempotency_key = $2 AND status IN ('pending', 'running')`,
			job.Queue, job.IdempotencyKey))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("get active job: %w", err)
		}
	}
	return nil, false, fmt.Errorf("insert job %s: active record kept changing", job.IdempotencyKey)
}

func (s *JobStore) Claim(ctx context.Context, queueName string, now time.Time, lease time.Duration) (*models.JobRecord, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, locked_until = $3,
		   started_at = $2, updated_at = $2
		 WHERE id = (
		   SELECT id FROM jobs
		   WHERE queue = $1 AND status = 'pending' AND run_at <= $2
		   ORDER BY priority, run_at, created_at
		   FOR UPDATE SKIP LOCKED
		   LIMIT 1
		 )
		 RETURNING `+jobColumns,
		queueName, now, now.Add(lease)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *JobStore) Complete(ctx context.Context, id uuid.UUID, attempt int, result *models.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode job result: %w", err)
	}
	return s.held(ctx, "complete job", id,
		`UPDATE jobs SET status = 'completed', result = $3, finished_at = NOW(), locked_until = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'running' AND attempts = $2`, id, attempt, data)
}

func (s *JobStore) Retry(ctx context.Context, id uuid.UUID, attempt int, runAt time.Time, lastErr string) error {
	return s.held(ctx, "retry job", id,
		`UPDATE jobs SET status = 'pending', run_at = $3, last_error = $4, locked_until = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'running' AND attempts = $2`, id, attempt, runAt, lastErr)
}

func (s *JobStore) Fail(ctx context.Context, id uuid.UUID, attempt int, lastErr string) error {
	return s.held(ctx, "fail job", id,
		`UPDATE jobs SET status = 'failed', last_error = $3, finished_at = NOW(), locked_until = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'running' AND attempts = $2`, id, attempt, lastErr)
}

func (s *JobStore) Extend(ctx context.Context, id uuid.UUID, attempt int, until time.Time) error {
	return s.held(ctx, "extend job lease", id,
		`UPDATE jobs SET locked_until = $3, updated_at = NOW()
		 WHERE id = $1 AND status = 'running' AND attempts = $2`, id, attempt, until)
}

// held runs an update fenced on the claim. When nothing matched it tells a
// lost lease apart from a missing record.
func (s *JobStore) held(ctx context.Context, op string, id uuid.UUID, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return queue.ErrNotFound
	}
	return queue.ErrLeaseLost
}

func (s *JobStore) RequeueExpired(ctx context.Context, queueName string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		   finished_at = CASE WHEN attempts >= max_attempts THEN $2 ELSE NULL END,
		   run_at = $2,
		   locked_until = NULL,
		   last_error = 'lease expired',
		   updated_at = $2
		 WHERE queue = $1 AND status = 'running' AND locked_until < $2`,
		queueName, now)
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *JobStore) Purge(ctx context.Context, queueName, status string, olderThan time.Time, keep int) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE id IN (
		   SELECT id FROM (
		     SELECT id, COALESCE(finished_at, updated_at) AS done_at,
		            ROW_NUMBER() OVER (ORDER BY COALESCE(finished_at, updated_at) DESC) AS rn
		     FROM jobs WHERE queue = $1 AND status = $2
		   ) ranked
		   WHERE ranked.rn > $4 OR ranked.done_at < $3
		 )`,
		queueName, status, olderThan, keep)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*models.JobRecord, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

var _ queue.Backend = (*JobStore)(nil)
