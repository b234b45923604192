// Package queue implements named, durable job queues with idempotent
// enqueue, priority, delayed runs, retry with backoff and retention.
//
// Delivery is at-least-once. A claimed job holds a lease; when the lease
// expires without an acknowledgment the job is handed out again, so handlers
// must tolerate redelivery. Acknowledgments and lease extensions are fenced
// on the claim that produced them: once a job has been requeued or claimed
// again, the earlier holder gets ErrLeaseLost and its ack is dropped.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/curio/pkg/models"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrInvalidPayload = errors.New("invalid job payload")
	ErrWrongQueue     = errors.New("payload kind does not match queue")
	ErrLeaseLost      = errors.New("job lease lost")
)

// Backend persists job records. Implementations must make Insert atomic with
// respect to the active-key check and Claim safe under concurrent callers.
type Backend interface {
	// Insert stores job unless an active record with the same queue and
	// idempotency key exists, in which case it returns that record and false.
	Insert(ctx context.Context, job *models.JobRecord) (*models.JobRecord, bool, error)
	// Claim leases the most urgent runnable job. It returns nil, nil when the
	// queue has nothing to run.
	Claim(ctx context.Context, queue string, now time.Time, lease time.Duration) (*models.JobRecord, error)
	// Complete, Retry, Fail and Extend apply only while the record is still
	// running under the claim whose attempt number is given. Otherwise they
	// change nothing and return ErrLeaseLost, or ErrNotFound for an unknown id.
	Complete(ctx context.Context, id uuid.UUID, attempt int, result *models.JobResult) error
	Retry(ctx context.Context, id uuid.UUID, attempt int, runAt time.Time, lastErr string) error
	Fail(ctx context.Context, id uuid.UUID, attempt int, lastErr string) error
	Extend(ctx context.Context, id uuid.UUID, attempt int, until time.Time) error
	// RequeueExpired returns running jobs whose lease ended before now to
	// pending, or fails them when no attempts remain.
	RequeueExpired(ctx context.Context, queue string, now time.Time) (int, error)
	// Purge deletes finished jobs in status that finished before olderThan or
	// fall outside the newest keep records.
	Purge(ctx context.Context, queue, status string, olderThan time.Time, keep int) (int, error)
	Get(ctx context.Context, id uuid.UUID) (*models.JobRecord, error)
}

// StatusMirror receives status changes for cheap lookups. Failures are ignored.
type StatusMirror interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
}

// Retention bounds how many finished records are kept and for how long.
type Retention struct {
	CompletedAge   time.Duration
	CompletedCount int
	FailedAge      time.Duration
	FailedCount    int
}

// DefaultRetention keeps failures longer than successes for inspection.
var DefaultRetention = Retention{
	CompletedAge:   24 * time.Hour,
	CompletedCount: 1000,
	FailedAge:      7 * 24 * time.Hour,
	FailedCount:    5000,
}

// Config describes one queue.
type Config struct {
	Kind      models.JobKind
	Defaults  Options
	Retention Retention
}

// Queue is a named queue for a single job kind.
type Queue struct {
	cfg      Config
	backend  Backend
	validate *validator.Validate
	mirror   StatusMirror
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a queue. A nil mirror disables status mirroring.
func New(cfg Config, backend Backend, mirror StatusMirror, logger *slog.Logger) *Queue {
	if cfg.Defaults.MaxAttempts <= 0 {
		cfg.Defaults.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Defaults.Backoff.Type == "" {
		cfg.Defaults.Backoff = DefaultBackoff
	}
	if cfg.Retention == (Retention{}) {
		cfg.Retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:      cfg,
		backend:  backend,
		validate: validator.New(),
		mirror:   mirror,
		logger:   logger.With("queue", string(cfg.Kind)),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Name returns the queue name, which equals its job kind.
func (q *Queue) Name() string { return string(q.cfg.Kind) }

// Kind returns the job kind this queue carries.
func (q *Queue) Kind() models.JobKind { return q.cfg.Kind }

// Enqueue validates payload and stores a new pending job. When an active job
// with the same idempotency key exists the call is a no-op that returns the
// existing record with created set to false.
func (q *Queue) Enqueue(ctx context.Context, payload models.JobPayload, opts ...Option) (*models.JobRecord, bool, error) {
	if payload.Kind() != q.cfg.Kind {
		return nil, false, fmt.Errorf("%w: %s into %s", ErrWrongQueue, payload.Kind(), q.cfg.Kind)
	}
	if err := q.validate.Struct(payload); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	o := q.cfg.Defaults
	o.IdempotencyKey = payload.IdempotencyKey()
	for _, opt := range opts {
		opt(&o)
	}
	if o.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: empty idempotency key", ErrInvalidPayload)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("encoding payload: %w", err)
	}

	now := q.now()
	job := &models.JobRecord{
		ID:             uuid.New(),
		Queue:          q.Name(),
		IdempotencyKey: o.IdempotencyKey,
		Kind:           q.cfg.Kind,
		Payload:        raw,
		Status:         models.JobStatusPending,
		MaxAttempts:    o.MaxAttempts,
		Backoff:        o.Backoff,
		Priority:       o.Priority,
		RunAt:          now.Add(o.Delay),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	rec, created, err := q.backend.Insert(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("inserting job: %w", err)
	}
	if created {
		q.mirrorStatus(ctx, rec.ID, models.JobStatusPending)
		q.logger.Info("job enqueued", "job_id", rec.ID, "idempotency_key", rec.IdempotencyKey, "priority", rec.Priority)
	} else {
		q.logger.Debug("duplicate enqueue ignored", "job_id", rec.ID, "idempotency_key", rec.IdempotencyKey)
	}
	return rec, created, nil
}

// Claim leases the next runnable job for lease. It returns nil when the
// queue is idle.
func (q *Queue) Claim(ctx context.Context, lease time.Duration) (*models.JobRecord, error) {
	job, err := q.backend.Claim(ctx, q.Name(), q.now(), lease)
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	if job != nil {
		q.mirrorStatus(ctx, job.ID, models.JobStatusRunning)
	}
	return job, nil
}

// Complete acknowledges a job. Skipped results are completions too.
func (q *Queue) Complete(ctx context.Context, job *models.JobRecord, result *models.JobResult) error {
	if err := q.backend.Complete(ctx, job.ID, job.Attempts, result); err != nil {
		return fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	q.mirrorStatus(ctx, job.ID, models.JobStatusCompleted)
	return nil
}

// Fail records a handler error. The job is retried after its backoff unless
// the error is permanent or the job has used all of its attempts.
func (q *Queue) Fail(ctx context.Context, job *models.JobRecord, cause error) error {
	msg := cause.Error()
	if IsPermanent(cause) || job.Attempts >= job.MaxAttempts {
		if err := q.backend.Fail(ctx, job.ID, job.Attempts, msg); err != nil {
			return fmt.Errorf("failing job %s: %w", job.ID, err)
		}
		q.mirrorStatus(ctx, job.ID, models.JobStatusFailed)
		q.logger.Error("job failed permanently",
			"job_id", job.ID, "idempotency_key", job.IdempotencyKey,
			"attempts", job.Attempts, "error", msg)
		return nil
	}

	delay := NextDelay(job.Backoff, job.Attempts-1)
	if err := q.backend.Retry(ctx, job.ID, job.Attempts, q.now().Add(delay), msg); err != nil {
		return fmt.Errorf("scheduling retry for job %s: %w", job.ID, err)
	}
	q.mirrorStatus(ctx, job.ID, models.JobStatusPending)
	q.logger.Warn("job failed, retry scheduled",
		"job_id", job.ID, "attempts", job.Attempts, "max_attempts", job.MaxAttempts,
		"retry_in", delay.String(), "error", msg)
	return nil
}

// Extend pushes the lease of a running job to lease from now.
func (q *Queue) Extend(ctx context.Context, job *models.JobRecord, lease time.Duration) error {
	until := q.now().Add(lease)
	if err := q.backend.Extend(ctx, job.ID, job.Attempts, until); err != nil {
		return fmt.Errorf("extending lease of job %s: %w", job.ID, err)
	}
	return nil
}

// RequeueExpired hands out jobs whose lease ran out again.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	n, err := q.backend.RequeueExpired(ctx, q.Name(), q.now())
	if err != nil {
		return 0, fmt.Errorf("requeueing expired jobs: %w", err)
	}
	if n > 0 {
		q.logger.Warn("requeued jobs with expired leases", "count", n)
	}
	return n, nil
}

// Sweep applies the retention policy.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	now := q.now()
	r := q.cfg.Retention
	completed, err := q.backend.Purge(ctx, q.Name(), models.JobStatusCompleted, now.Add(-r.CompletedAge), r.CompletedCount)
	if err != nil {
		return 0, fmt.Errorf("purging completed jobs: %w", err)
	}
	failed, err := q.backend.Purge(ctx, q.Name(), models.JobStatusFailed, now.Add(-r.FailedAge), r.FailedCount)
	if err != nil {
		return completed, fmt.Errorf("purging failed jobs: %w", err)
	}
	if completed+failed > 0 {
		q.logger.Info("retention sweep", "completed_purged", completed, "failed_purged", failed)
	}
	return completed + failed, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*models.JobRecord, error) {
	return q.backend.Get(ctx, id)
}

func (q *Queue) mirrorStatus(ctx context.Context, id uuid.UUID, status string) {
	if q.mirror == nil {
		return
	}
	_ = q.mirror.SetJobStatus(ctx, id, status, 30*time.Minute)
}
