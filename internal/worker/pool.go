// Package worker runs job handlers against a queue with a fixed number of
// concurrent workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kiranshivaraju/curio/internal/queue"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// Handler processes one job. Returning an error asks the queue for a retry;
// a skipped result is a success and is never retried.
type Handler func(ctx context.Context, job *models.JobRecord) (*models.JobResult, error)

// Source is the queue side of a pool. *queue.Queue satisfies it.
type Source interface {
	Name() string
	Claim(ctx context.Context, lease time.Duration) (*models.JobRecord, error)
	Complete(ctx context.Context, job *models.JobRecord, result *models.JobResult) error
	Fail(ctx context.Context, job *models.JobRecord, cause error) error
	Extend(ctx context.Context, job *models.JobRecord, lease time.Duration) error
	RequeueExpired(ctx context.Context) (int, error)
	Sweep(ctx context.Context) (int, error)
}

// Config controls pool sizing and timing. Zero values take defaults.
// While a handler runs its lease is extended every HeartbeatInterval, which
// defaults to a third of LeaseDuration.
type Config struct {
	Concurrency         int
	PollInterval        time.Duration
	LeaseDuration       time.Duration
	HeartbeatInterval   time.Duration
	MaintenanceInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseDuration {
		c.HeartbeatInterval = c.LeaseDuration / 3
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	return c
}

var ErrAlreadyStarted = errors.New("worker pool already started")

// Pool runs Concurrency workers that claim jobs from one queue.
type Pool struct {
	src     Source
	handler Handler
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(src Source, handler Handler, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		src:     src,
		handler: handler,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "worker", "queue", src.Name()),
	}
}

// Start requeues jobs abandoned by a previous process and launches the
// workers and the maintenance loop. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyStarted
	}

	if _, err := p.src.RequeueExpired(ctx); err != nil {
		p.logger.Error("startup requeue failed", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(runCtx, id)
		}(i)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.maintain(runCtx)
	}()

	p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency)
	return nil
}

// Stop stops claiming new jobs and waits for in-flight handlers to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("worker iteration failed", "worker", id, "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes a single job. It reports whether a job was
// processed, whatever its outcome.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.src.Claim(ctx, p.cfg.LeaseDuration)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	// Shutdown must not abort a dispatched handler or lose its ack.
	jobCtx := context.WithoutCancel(ctx)
	logger := p.logger.With("job_id", job.ID, "idempotency_key", job.IdempotencyKey, "attempt", job.Attempts)

	stopBeat := p.heartbeat(jobCtx, job, logger)
	start := time.Now()
	result, herr := p.invoke(jobCtx, job)
	elapsed := time.Since(start)
	stopBeat()

	if herr != nil {
		logger.Warn("job handler failed", "error", herr, "duration_ms", elapsed.Milliseconds())
		return true, p.ack(logger, p.src.Fail(jobCtx, job, herr))
	}

	if result == nil {
		result = models.Succeeded(nil)
	}
	result.Duration = elapsed
	if result.Skipped {
		logger.Info("job skipped", "reason", result.SkipReason)
	} else {
		logger.Info("job completed", "duration_ms", elapsed.Milliseconds())
	}
	return true, p.ack(logger, p.src.Complete(jobCtx, job, result))
}

// ack drops acknowledgments for jobs that were handed to another worker.
func (p *Pool) ack(logger *slog.Logger, err error) error {
	if errors.Is(err, queue.ErrLeaseLost) {
		logger.Warn("job lease lost, result dropped", "error", err)
		return nil
	}
	return err
}

// heartbeat keeps extending the lease of job until the returned func is
// called. It gives up once the lease is lost.
func (p *Pool) heartbeat(ctx context.Context, job *models.JobRecord, logger *slog.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := p.src.Extend(ctx, job, p.cfg.LeaseDuration)
				if errors.Is(err, queue.ErrLeaseLost) {
					logger.Warn("job lease lost while running", "error", err)
					return
				}
				if err != nil {
					logger.Error("lease extension failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// invoke runs the handler, turning a panic into a retryable error.
func (p *Pool) invoke(ctx context.Context, job *models.JobRecord) (result *models.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in job handler",
				"job_id", job.ID, "error", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

func (p *Pool) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.src.RequeueExpired(ctx); err != nil {
				p.logger.Error("requeue expired failed", "error", err)
			}
			if _, err := p.src.Sweep(ctx); err != nil {
				p.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}
