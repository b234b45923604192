package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// MemoryBackend is an in-process Backend. It is safe for concurrent use and
// is meant for tests and single-process development runs.
type MemoryBackend struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.JobRecord
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{jobs: make(map[uuid.UUID]*models.JobRecord)}
}

func (b *MemoryBackend) Insert(_ context.Context, job *models.JobRecord) (*models.JobRecord, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, j := range b.jobs {
		if j.Queue == job.Queue && j.IdempotencyKey == job.IdempotencyKey && j.Active() {
			return cloneJob(j), false, nil
		}
	}
	stored := cloneJob(job)
	b.jobs[stored.ID] = stored
	return cloneJob(stored), true, nil
}

func (b *MemoryBackend) Claim(_ context.Context, queue string, now time.Time, lease time.Duration) (*models.JobRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var runnable []*models.JobRecord
	for _, j := range b.jobs {
		if j.Queue == queue && j.Status == models.JobStatusPending && !j.RunAt.After(now) {
			runnable = append(runnable, j)
		}
	}
	if len(runnable) == 0 {
		return nil, nil
	}
	sort.Slice(runnable, func(i, k int) bool {
		a, c := runnable[i], runnable[k]
		if a.Priority != c.Priority {
			return a.Priority < c.Priority
		}
		if !a.RunAt.Equal(c.RunAt) {
			return a.RunAt.Before(c.RunAt)
		}
		return a.CreatedAt.Before(c.CreatedAt)
	})

	j := runnable[0]
	until := now.Add(lease)
	j.Status = models.JobStatusRunning
	j.Attempts++
	j.LockedUntil = &until
	j.StartedAt = &now
	j.UpdatedAt = now
	return cloneJob(j), nil
}

func (b *MemoryBackend) Complete(_ context.Context, id uuid.UUID, attempt int, result *models.JobResult) error {
	return b.finish(id, attempt, func(j *models.JobRecord, now time.Time) {
		j.Status = models.JobStatusCompleted
		j.Result = result
		j.FinishedAt = &now
	})
}

func (b *MemoryBackend) Retry(_ context.Context, id uuid.UUID, attempt int, runAt time.Time, lastErr string) error {
	return b.finish(id, attempt, func(j *models.JobRecord, _ time.Time) {
		j.Status = models.JobStatusPending
		j.RunAt = runAt
		j.LastError = &lastErr
	})
}

func (b *MemoryBackend) Fail(_ context.Context, id uuid.UUID, attempt int, lastErr string) error {
	return b.finish(id, attempt, func(j *models.JobRecord, now time.Time) {
		j.Status = models.JobStatusFailed
		j.LastError = &lastErr
		j.FinishedAt = &now
	})
}

func (b *MemoryBackend) Extend(_ context.Context, id uuid.UUID, attempt int, until time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.held(id, attempt)
	if err != nil {
		return err
	}
	j.LockedUntil = &until
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *MemoryBackend) finish(id uuid.UUID, attempt int, apply func(*models.JobRecord, time.Time)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.held(id, attempt)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	apply(j, now)
	j.LockedUntil = nil
	j.UpdatedAt = now
	return nil
}

// held returns the record if it is still running under the given claim.
// Callers hold b.mu.
func (b *MemoryBackend) held(id uuid.UUID, attempt int) (*models.JobRecord, error) {
	j, ok := b.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != models.JobStatusRunning || j.Attempts != attempt {
		return nil, ErrLeaseLost
	}
	return j, nil
}

func (b *MemoryBackend) RequeueExpired(_ context.Context, queue string, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, j := range b.jobs {
		if j.Queue != queue || j.Status != models.JobStatusRunning || j.LockedUntil == nil || !j.LockedUntil.Before(now) {
			continue
		}
		msg := "lease expired"
		j.LastError = &msg
		j.LockedUntil = nil
		j.UpdatedAt = now
		if j.Attempts >= j.MaxAttempts {
			j.Status = models.JobStatusFailed
			j.FinishedAt = &now
		} else {
			j.Status = models.JobStatusPending
			j.RunAt = now
		}
		n++
	}
	return n, nil
}

func (b *MemoryBackend) Purge(_ context.Context, queue, status string, olderThan time.Time, keep int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var finished []*models.JobRecord
	for _, j := range b.jobs {
		if j.Queue == queue && j.Status == status {
			finished = append(finished, j)
		}
	}
	sort.Slice(finished, func(i, k int) bool {
		return finishedAt(finished[i]).After(finishedAt(finished[k]))
	})

	n := 0
	for i, j := range finished {
		if i >= keep || finishedAt(j).Before(olderThan) {
			delete(b.jobs, j.ID)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) Get(_ context.Context, id uuid.UUID) (*models.JobRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

// Jobs returns a snapshot of every record in queue.
func (b *MemoryBackend) Jobs(queue string) []*models.JobRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*models.JobRecord
	for _, j := range b.jobs {
		if j.Queue == queue {
			out = append(out, cloneJob(j))
		}
	}
	return out
}

func finishedAt(j *models.JobRecord) time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	return j.UpdatedAt
}

func cloneJob(j *models.JobRecord) *models.JobRecord {
	c := *j
	return &c
}

var _ Backend = (*MemoryBackend)(nil)
